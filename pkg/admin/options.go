// Option functions for configuring API.

package admin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/getmockd/prock/pkg/metrics"
	"github.com/getmockd/prock/pkg/ratelimit"
	"github.com/getmockd/prock/pkg/requestlog"
)

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger for the API.
func WithLogger(log *slog.Logger) Option {
	return func(a *API) {
		if log != nil {
			a.log = log
		}
	}
}

// WithMetrics enables admin request metrics and the /metrics endpoint.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *API) {
		a.metrics = m
	}
}

// WithEmitter sets the event emitter used for route change events and the
// /events stream.
func WithEmitter(e Emitter) Option {
	return func(a *API) {
		if e != nil {
			a.emitter = e
		}
	}
}

// WithRequestLog sets the request history served by /requests.
func WithRequestLog(s requestlog.Store) Option {
	return func(a *API) {
		a.requests = s
	}
}

// WithRateLimiter configures a per-IP rate limiter for management endpoints.
// Proxied traffic is never limited.
func WithRateLimiter(rl *ratelimit.Limiter) Option {
	return func(a *API) {
		a.limiter = rl
	}
}

// WithFallback sets the handler for requests that match no management
// endpoint. This is normally the dispatcher.
func WithFallback(h http.Handler) Option {
	return func(a *API) {
		a.fallback = h
	}
}

// WithReloadHook sets the function run by POST /restart. When unset the
// route table is rebuilt from the store.
func WithReloadHook(fn func(ctx context.Context) error) Option {
	return func(a *API) {
		a.reload = fn
	}
}

// WithUpstream reports the upstream the forwarder currently uses. It is
// shown by /healthz.
func WithUpstream(fn func() string) Option {
	return func(a *API) {
		a.upstream = fn
	}
}

// WithVersion sets the version string reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) {
		a.version = v
	}
}
