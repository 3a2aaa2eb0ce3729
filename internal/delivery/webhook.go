package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/render"
)

// Webhook posts messages as JSON to HTTP endpoints.
type Webhook struct {
	client   *http.Client
	timeout  time.Duration
	username string
	logger   *zap.Logger
}

// WebhookConfig tunes the HTTP deliverer.
type WebhookConfig struct {
	Timeout  time.Duration
	Username string
}

// NewWebhook creates an HTTP deliverer.
func NewWebhook(logger *zap.Logger, cfg WebhookConfig) *Webhook {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	username := cfg.Username
	if username == "" {
		username = "jellycast"
	}

	return &Webhook{
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		username: username,
		logger:   logger,
	}
}

// Deliver implements Deliverer.
func (w *Webhook) Deliver(ctx context.Context, endpoint string, msg render.Message) error {
	if msg.Username == "" {
		msg.Username = w.username
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return Permanent(fmt.Errorf("encode message: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "jellycast/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.logger.Debug("webhook delivered",
			zap.String("host", req.URL.Host),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil
	}

	statusErr := fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(preview)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetryAfterError{After: retryAfter(resp.Header, preview), Err: statusErr}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return statusErr
	default:
		return Permanent(statusErr)
	}
}

// Supports implements Deliverer.
func (w *Webhook) Supports(endpoint string) bool {
	return strings.HasPrefix(endpoint, "https://") || strings.HasPrefix(endpoint, "http://")
}

// retryAfter reads the wait from the Retry-After header, falling back to
// the retry_after field of a Discord rate limit body. Both are seconds.
func retryAfter(h http.Header, body []byte) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}

	var rl struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if json.Unmarshal(body, &rl) == nil && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter * float64(time.Second))
	}
	return time.Second
}
