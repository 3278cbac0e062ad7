package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/jdziat/fleet-orchestrator/pkg/backoff"
	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	// URL receives a JSON POST per notification.
	URL string

	// Timeout bounds each HTTP request.
	// Default: 5s
	Timeout time.Duration

	// RatePerMinute limits deliveries. Notifications beyond the limit wait for
	// a token or fail when the context ends.
	// Default: 30
	RatePerMinute int

	// Burst is the number of notifications allowed at once.
	// Default: 5
	Burst int

	// Retry controls redelivery of transient failures.
	// Default: backoff.DefaultRetryConfig with 5xx and 429 responses retried
	Retry *backoff.RetryConfig
}

// DefaultWebhookConfig returns the default configuration for url.
func DefaultWebhookConfig(url string) WebhookConfig {
	return WebhookConfig{
		URL:           url,
		Timeout:       5 * time.Second,
		RatePerMinute: 30,
		Burst:         5,
	}
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded %d %s", e.Code, http.StatusText(e.Code))
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return backoff.IsConnectivityError(err)
}

// WebhookSink posts notifications as JSON to a chat webhook.
type WebhookSink struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	retry   backoff.RetryConfig
}

var _ core.NotificationSink = (*WebhookSink)(nil)

// NewWebhookSink creates a webhook sink. Zero fields of cfg take defaults.
func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	def := DefaultWebhookConfig(cfg.URL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = def.RatePerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	retry := backoff.DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	retry.Retryable = retryable

	return &WebhookSink{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), cfg.Burst),
		retry:   retry,
	}
}

// Notify delivers n.
func (w *WebhookSink) Notify(ctx context.Context, n core.Notification) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notification rate limit: %w", err)
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return backoff.Retry(ctx, w.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	})
}

// Multi delivers to every sink and joins their errors.
type Multi []core.NotificationSink

func (m Multi) Notify(ctx context.Context, n core.Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, core.Notification) error { return nil }

// Deliver sends n through sink and logs any failure. Delivery never fails the
// caller. A nil sink is a no-op.
func Deliver(ctx context.Context, sink core.NotificationSink, n core.Notification, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("notification sink panicked", "kind", n.Kind, "bot_id", n.BotID, "panic", r)
		}
	}()
	if err := sink.Notify(ctx, n); err != nil {
		logger.Warn("notification delivery failed", "kind", n.Kind, "bot_id", n.BotID, "error", err)
	}
}
