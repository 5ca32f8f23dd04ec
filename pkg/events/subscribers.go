package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/getmockd/prock/pkg/logging"
)

// LogSubscriber writes every event to a slog logger.
type LogSubscriber struct {
	log *slog.Logger
}

// NewLogSubscriber creates a LogSubscriber; a nil logger discards output.
func NewLogSubscriber(log *slog.Logger) *LogSubscriber {
	if log == nil {
		log = logging.Nop()
	}
	return &LogSubscriber{log: log}
}

// Handle logs ev at a level matching its kind.
func (l *LogSubscriber) Handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case ProxyRequestEvent:
		l.log.Info("request",
			"method", e.Method,
			"path", e.Path,
			"status", e.StatusCode,
			"mocked", e.IsMocked,
			"routeId", e.RouteID,
			"durationMs", e.DurationMs,
			"cancelled", e.Cancelled,
		)
	case MockRouteChangedEvent:
		l.log.Info("mock route changed", "id", e.RouteID, "action", e.Action, "method", e.Method, "path", e.Path)
	case SyncErrorEvent:
		l.log.Warn("mock route rejected", "id", e.RouteID, "error", e.Error)
	default:
		l.log.Debug("event", "type", ev.EventType())
	}
	return nil
}

// ChannelSubscriber forwards events to a buffered channel. When the channel
// is full the event is discarded.
type ChannelSubscriber struct {
	ch chan Event
}

// NewChannelSubscriber creates a ChannelSubscriber with the given capacity.
func NewChannelSubscriber(size int) *ChannelSubscriber {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &ChannelSubscriber{ch: make(chan Event, size)}
}

// C returns the receive side of the channel.
func (c *ChannelSubscriber) C() <-chan Event { return c.ch }

// Handle enqueues ev without blocking.
func (c *ChannelSubscriber) Handle(ctx context.Context, ev Event) error {
	select {
	case c.ch <- ev:
		return nil
	default:
		return fmt.Errorf("channel full, dropped %s", ev.EventType())
	}
}

// WebhookSubscriber POSTs each event as a JSON Envelope to a URL. Deliveries
// are throttled by a token bucket.
type WebhookSubscriber struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// WebhookOption configures a WebhookSubscriber.
type WebhookOption func(*WebhookSubscriber)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookSubscriber) {
		if c != nil {
			w.client = c
		}
	}
}

// NewWebhookSubscriber creates a webhook subscriber sending at most
// perSecond events per second (burst of the same size). perSecond <= 0
// disables throttling.
func NewWebhookSubscriber(url string, perSecond float64, opts ...WebhookOption) *WebhookSubscriber {
	limit, burst := rate.Inf, 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	w := &WebhookSubscriber{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle waits for a token, then delivers ev.
func (w *WebhookSubscriber) Handle(ctx context.Context, ev Event) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	data, err := Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Prock-Event", string(ev.EventType()))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
