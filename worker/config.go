package worker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maridot/docmill/queue"
)

// Capacity modes. A standard worker forwards oversized inputs to the
// high-capacity queue instead of processing them; a high-memory worker
// claims from that queue and processes everything it receives.
const (
	ModeStandard   = "standard"
	ModeHighMemory = "high-memory"
)

// Config holds the full worker daemon configuration.
type Config struct {
	Listen                string        `yaml:"listen"`
	DBPath                string        `yaml:"db_path"`
	CapacityMode          string        `yaml:"capacity_mode"` // standard | high-memory
	BatchSize             int           `yaml:"batch_size"`
	PollIntervalMS        int           `yaml:"poll_interval_ms"`
	VisibilityTimeoutSec  int           `yaml:"visibility_timeout_sec"`
	HighMemoryThresholdMB int           `yaml:"high_memory_threshold_mb"`
	MaxFileMB             int           `yaml:"max_file_mb"`
	JobTTLDays            int           `yaml:"job_ttl_days"`
	OCR                   OCRConfig     `yaml:"ocr"`
	S3                    S3Config      `yaml:"s3"`
	Webhook               WebhookConfig `yaml:"webhook"`
}

// OCRConfig configures the recognition service. An empty endpoint
// disables OCR escalation entirely.
type OCRConfig struct {
	Endpoint         string `yaml:"endpoint"`
	Token            string `yaml:"token"`
	MonthlyPageLimit int    `yaml:"monthly_page_limit"` // 0 = unlimited
}

// S3Config locates the object store. ResultBucket receives spilled
// result payloads; input buckets arrive per job in the queue message.
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	ResultBucket string `yaml:"result_bucket"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
}

// WebhookConfig configures the dead-letter notification target.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns sane defaults for a standard-capacity worker.
func DefaultConfig() *Config {
	return &Config{
		Listen:                ":8080",
		DBPath:                "docmill.db",
		CapacityMode:          ModeStandard,
		BatchSize:             10,
		PollIntervalMS:        1000,
		VisibilityTimeoutSec:  300,
		HighMemoryThresholdMB: 50,
		MaxFileMB:             100,
		JobTTLDays:            7,
		S3: S3Config{
			Region: "us-east-1",
		},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig
// merged with the file, with secrets overridable from the environment
// (DOCMILL_OCR_TOKEN, DOCMILL_S3_ACCESS_KEY, DOCMILL_S3_SECRET_KEY,
// DOCMILL_WEBHOOK_SECRET).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.OCR.Token = env("DOCMILL_OCR_TOKEN", cfg.OCR.Token)
	cfg.S3.AccessKey = env("DOCMILL_S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = env("DOCMILL_S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.Webhook.Secret = env("DOCMILL_WEBHOOK_SECRET", cfg.Webhook.Secret)
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch c.CapacityMode {
	case ModeStandard, ModeHighMemory:
	default:
		return fmt.Errorf("unsupported capacity_mode %q (use standard or high-memory)", c.CapacityMode)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0")
	}
	if c.PollIntervalMS <= 0 {
		return fmt.Errorf("poll_interval_ms must be > 0")
	}
	if c.VisibilityTimeoutSec <= 0 {
		return fmt.Errorf("visibility_timeout_sec must be > 0")
	}
	if c.HighMemoryThresholdMB <= 0 {
		return fmt.Errorf("high_memory_threshold_mb must be > 0")
	}
	if c.MaxFileMB <= 0 {
		return fmt.Errorf("max_file_mb must be > 0")
	}
	if c.JobTTLDays < 0 {
		return fmt.Errorf("job_ttl_days must be >= 0")
	}
	return nil
}

// ClaimQueue returns the queue this worker consumes, by capacity mode.
func (c *Config) ClaimQueue() string {
	if c.CapacityMode == ModeHighMemory {
		return queue.IngestHigh
	}
	return queue.Ingest
}

// HighMemoryThresholdBytes returns the routing threshold in bytes.
func (c *Config) HighMemoryThresholdBytes() int64 {
	return int64(c.HighMemoryThresholdMB) * 1024 * 1024
}

// MaxFileBytes returns max file size in bytes.
func (c *Config) MaxFileBytes() int64 { return int64(c.MaxFileMB) * 1024 * 1024 }

// PollInterval returns the queue poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// VisibilityTimeout returns the claim visibility window as a duration.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSec) * time.Second
}

// JobTTL returns the snapshot retention window as a duration.
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.JobTTLDays) * 24 * time.Hour
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
