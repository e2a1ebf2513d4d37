package deadletter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Webhook POSTs dead-letter entries to an operator endpoint as JSON.
// When a secret is set, each request carries an X-Signature-256 header
// with the hex HMAC-SHA256 of the body, "sha256="-prefixed, so the
// receiver can verify origin.
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhook validates the endpoint URL and returns a notifier.
func NewWebhook(rawURL, secret string) (*Webhook, error) {
	if err := checkWebhookURL(rawURL); err != nil {
		return nil, err
	}
	return &Webhook{
		url:    rawURL,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("deadletter: marshal entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("deadletter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(body)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deadletter: webhook POST: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("deadletter: webhook returned %d", resp.StatusCode)
	}
	return nil
}

func checkWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("deadletter: invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("deadletter: webhook url must be http or https")
	}
	if u.Hostname() == "" {
		return fmt.Errorf("deadletter: webhook url has no host")
	}
	return nil
}
