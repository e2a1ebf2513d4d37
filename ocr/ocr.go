// Package ocr submits document buffers to a managed optical-character-
// recognition service and reassembles the returned text regions into
// reading order.
//
// The service speaks a small HTTP protocol: the raw document bytes are
// POSTed to <endpoint>/v1/recognize and the response carries line-level
// regions with page numbers and normalized positions. Reading order is
// reconstructed by sorting regions on vertical position, then horizontal,
// treating two regions as the same visual line when their vertical
// positions differ by less than a small epsilon.
//
// Usage:
//
//	client := ocr.New(ocr.Config{Endpoint: "http://ocr:9090"})
//	resp, err := client.Recognize(ctx, buf, "scan.pdf", ocr.ModeText)
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Mode selects the recognition profile.
type Mode string

const (
	// ModeText runs plain text detection. This is the escalation path for
	// PDFs without a usable text layer.
	ModeText Mode = "text"
	// ModeAnalyze runs the richer table/form/layout analysis. Reserved for
	// callers that need structured extraction; the escalation path never
	// uses it.
	ModeAnalyze Mode = "analyze"
)

// sameLineEpsilon is the normalized vertical distance under which two
// regions count as the same line.
const sameLineEpsilon = 0.01

// Config configures the OCR client.
type Config struct {
	// Endpoint is the base URL of the recognition service. Empty means the
	// client is not configured and Configured() reports false.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Token is an optional bearer token sent on every request.
	Token string `json:"-" yaml:"token"`

	// Timeout bounds one recognition call. Default: 2 minutes — scanned
	// documents are slow.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Logger overrides slog.Default().
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Line is one recognized text region.
type Line struct {
	Page       int     `json:"page"`
	Text       string  `json:"text"`
	Top        float64 `json:"top"`
	Left       float64 `json:"left"`
	Confidence float64 `json:"confidence"`
}

// Response is the outcome of one recognition call.
type Response struct {
	// Text is the full recognized text in reading order.
	Text string
	// Pages is the page count derived from page markers, at least 1.
	Pages int
	// Lines are the raw regions after reading-order sorting.
	Lines []Line
	// Confidence is the mean region confidence, 0 when unreported.
	Confidence float64
}

// Client talks to the recognition service.
type Client struct {
	cfg    Config
	logger *slog.Logger
	httpc  *http.Client
}

// New creates a Client. A zero-endpoint config produces an unconfigured
// client: Configured() is false and Recognize fails fast.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		httpc:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Configured reports whether an endpoint is set. Callers gate OCR
// escalation on this.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.Endpoint != ""
}

// recognizeResponse is the wire shape returned by the service.
type recognizeResponse struct {
	Lines []Line `json:"lines"`
}

// Recognize submits buf and returns the reassembled text. It fails when
// the service is unreachable, returns a non-200 status, or reports zero
// text regions.
func (c *Client) Recognize(ctx context.Context, buf []byte, fileName string, mode Mode) (*Response, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("ocr: no endpoint configured")
	}
	if mode == "" {
		mode = ModeText
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/v1/recognize?mode=" + string(mode)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("ocr: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if fileName != "" {
		req.Header.Set("X-File-Name", fileName)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr: POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ocr: HTTP %d from %s: %s", resp.StatusCode, url, string(body))
	}

	var wire recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("ocr: decode response: %w", err)
	}
	if len(wire.Lines) == 0 {
		return nil, fmt.Errorf("ocr: service returned no text regions for %s", fileName)
	}

	out := assemble(wire.Lines)
	c.logger.Debug("ocr: recognized",
		"file", fileName,
		"mode", mode,
		"lines", len(out.Lines),
		"pages", out.Pages,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// assemble sorts regions into reading order and joins them. Regions on the
// same visual line (vertical delta < epsilon) are joined with a space; line
// breaks within a page and page boundaries produce newlines.
func assemble(lines []Line) *Response {
	sorted := make([]Line, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		if diff := a.Top - b.Top; diff < -sameLineEpsilon || diff > sameLineEpsilon {
			return a.Top < b.Top
		}
		return a.Left < b.Left
	})

	var sb strings.Builder
	var confSum float64
	confCount := 0
	pages := 1

	for i, ln := range sorted {
		if ln.Page > pages {
			pages = ln.Page
		}
		if ln.Confidence > 0 {
			confSum += ln.Confidence
			confCount++
		}

		if i > 0 {
			prev := sorted[i-1]
			switch {
			case ln.Page != prev.Page:
				sb.WriteString("\n\n")
			case ln.Top-prev.Top < sameLineEpsilon:
				sb.WriteByte(' ')
			default:
				sb.WriteByte('\n')
			}
		}
		sb.WriteString(ln.Text)
	}

	resp := &Response{
		Text:  sb.String(),
		Pages: pages,
		Lines: sorted,
	}
	if confCount > 0 {
		resp.Confidence = confSum / float64(confCount)
	}
	return resp
}
