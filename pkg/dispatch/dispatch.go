// Package dispatch implements the catch-all handler that answers each
// proxied request from the route table or forwards it upstream.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/getmockd/prock/pkg/events"
	"github.com/getmockd/prock/pkg/forward"
	"github.com/getmockd/prock/pkg/httputil"
	"github.com/getmockd/prock/pkg/logging"
	"github.com/getmockd/prock/pkg/metrics"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/routetable"
)

// StatusClientClosedRequest is recorded when the client went away before a
// response could be produced.
const StatusClientClosedRequest = 499

// Error codes written in dispatcher-generated bodies.
const (
	ErrCodeForwardingFailed = "forwarding_failed"
	ErrCodeInternal         = "internal_error"
)

// Outcome describes how a request was handled.
type Outcome struct {
	Matched     bool
	IsMocked    bool
	StatusCode  int
	UpstreamURL string
	RouteID     string
	Cancelled   bool
	Err         error
}

// Label returns the metrics outcome label.
func (o Outcome) Label() string {
	switch {
	case o.Cancelled:
		return metrics.OutcomeCancelled
	case isPanic(o.Err):
		return metrics.OutcomePanic
	case o.IsMocked:
		return metrics.OutcomeMocked
	case o.Err != nil:
		return metrics.OutcomeForwardError
	default:
		return metrics.OutcomeForwarded
	}
}

// Lookuper is the read side of the route table.
type Lookuper interface {
	Lookup(method, path string) (routetable.Entry, bool)
}

// Emitter receives request events.
type Emitter interface {
	Emit(ev events.Event)
}

type discardEmitter struct{}

func (discardEmitter) Emit(events.Event) {}

// Dispatcher routes requests to mocks or the upstream.
type Dispatcher struct {
	table   Lookuper
	fwd     forward.Forwarder
	emitter Emitter
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithEmitter sets where ProxyRequestEvents go.
func WithEmitter(e Emitter) Option {
	return func(d *Dispatcher) {
		if e != nil {
			d.emitter = e
		}
	}
}

// New creates a Dispatcher.
func New(table Lookuper, fwd forward.Forwarder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table:   table,
		fwd:     fwd,
		emitter: discardEmitter{},
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	return d
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.Dispatch(w, r)
}

// Dispatch handles one request and reports its outcome.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request) (out Outcome) {
	start := time.Now()
	method := route.NormalizeMethod(r.Method)
	path := r.URL.Path
	rec := httputil.NewStatusRecorder(w)

	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				// The reverse proxy aborts mid-body copies this way; the
				// connection is gone, so let net/http tear it down.
				out = Outcome{StatusCode: rec.Status, Err: errors.New("response aborted"), Cancelled: r.Context().Err() != nil}
				d.report(method, path, out, start)
				panic(p)
			}
			d.log.Error("dispatch panic", "method", method, "path", path, "panic", p, "stack", string(debug.Stack()))
			if !rec.WroteHeader() {
				httputil.WriteError(rec, http.StatusInternalServerError, ErrCodeInternal, "internal error")
			}
			out = Outcome{StatusCode: http.StatusInternalServerError, Err: panicError{p}}
		}
		d.report(method, path, out, start)
	}()

	return d.dispatch(rec, r, method, path)
}

func (d *Dispatcher) dispatch(w *httputil.StatusRecorder, r *http.Request, method, path string) Outcome {
	if err := r.Context().Err(); err != nil {
		return Outcome{Cancelled: true, StatusCode: StatusClientClosedRequest, Err: err}
	}

	if e, ok := d.table.Lookup(method, path); ok {
		httputil.WriteRawJSON(w, e.StatusCode, e.Body)
		return Outcome{Matched: true, IsMocked: true, StatusCode: e.StatusCode, RouteID: e.ID}
	}

	res, err := d.fwd.Forward(w, r)
	out := Outcome{UpstreamURL: res.UpstreamURL}
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			out.Cancelled = true
			out.StatusCode = StatusClientClosedRequest
			out.Err = ctxErr
			return out
		}
		d.log.Warn("forwarding failed", "method", method, "path", path, "error", err)
		if !w.WroteHeader() {
			httputil.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": ErrCodeForwardingFailed})
		}
		out.StatusCode = http.StatusBadGateway
		out.Err = err
		return out
	}

	out.StatusCode = w.Status
	if out.StatusCode == 0 {
		out.StatusCode = http.StatusOK
	}
	return out
}

func (d *Dispatcher) report(method, path string, out Outcome, start time.Time) {
	elapsed := time.Since(start)
	label := out.Label()
	d.metrics.DispatchTotal.WithLabelValues(label, methodLabel(method), strconv.Itoa(out.StatusCode)).Inc()
	d.metrics.DispatchDuration.WithLabelValues(label).Observe(elapsed.Seconds())

	ev := events.ProxyRequestEvent{
		Method:      method,
		Path:        path,
		Timestamp:   start,
		IsMocked:    out.IsMocked,
		StatusCode:  out.StatusCode,
		UpstreamURL: out.UpstreamURL,
		RouteID:     out.RouteID,
		DurationMs:  float64(elapsed.Microseconds()) / 1000,
		Cancelled:   out.Cancelled,
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	d.emitter.Emit(ev)
}

type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.v) }

func isPanic(err error) bool {
	if err == nil {
		return false
	}
	var p panicError
	return errors.As(err, &p)
}

// methodLabel bounds metric cardinality to the registered HTTP methods.
func methodLabel(m string) string {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return m
	}
	return "OTHER"
}
