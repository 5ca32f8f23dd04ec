package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/prock/pkg/events"
	"github.com/getmockd/prock/pkg/forward"
	"github.com/getmockd/prock/pkg/metrics"
	"github.com/getmockd/prock/pkg/routetable"
)

type fakeForwarder struct {
	mu     sync.Mutex
	calls  int
	status int
	body   string
	err    error
	before func(r *http.Request)
	panic  any
}

func (f *fakeForwarder) Forward(w http.ResponseWriter, r *http.Request) (forward.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.before != nil {
		f.before(r)
	}
	if f.panic != nil {
		panic(f.panic)
	}
	res := forward.Result{UpstreamURL: "http://upstream" + r.URL.Path}
	if f.err != nil {
		return res, f.err
	}
	w.WriteHeader(f.status)
	_, _ = io.WriteString(w, f.body)
	return res, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []events.ProxyRequestEvent
}

func (c *captureEmitter) Emit(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := ev.(events.ProxyRequestEvent); ok {
		c.events = append(c.events, e)
	}
}

func (c *captureEmitter) last(t *testing.T) events.ProxyRequestEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.events)
	return c.events[len(c.events)-1]
}

type fixture struct {
	table   *routetable.Table
	fwd     *fakeForwarder
	emitter *captureEmitter
	metrics *metrics.Metrics
	d       *Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		table:   routetable.New(),
		fwd:     &fakeForwarder{status: http.StatusOK, body: "from upstream"},
		emitter: &captureEmitter{},
		metrics: metrics.New(),
	}
	f.d = New(f.table, f.fwd, WithEmitter(f.emitter), WithMetrics(f.metrics))
	return f
}

func mockEntry(id, method, path string, status int, body string) routetable.Entry {
	return routetable.Entry{ID: id, Method: method, Path: path, StatusCode: status, Body: json.RawMessage(body), Enabled: true}
}

func TestDispatch_Mocked(t *testing.T) {
	f := newFixture()
	f.table.Upsert(mockEntry("r1", "GET", "/foo", 201, `{"ok":true}`))

	rec := httptest.NewRecorder()
	out := f.d.Dispatch(rec, httptest.NewRequest("get", "/foo", nil))

	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.True(t, out.Matched)
	assert.True(t, out.IsMocked)
	assert.Equal(t, "r1", out.RouteID)
	assert.Equal(t, 0, f.fwd.calls)

	ev := f.emitter.last(t)
	assert.True(t, ev.IsMocked)
	assert.Equal(t, "GET", ev.Method)
	assert.Equal(t, "r1", ev.RouteID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DispatchTotal.WithLabelValues(metrics.OutcomeMocked, "GET", "201")))
}

func TestDispatch_MissForwards(t *testing.T) {
	f := newFixture()
	f.fwd.status = http.StatusTeapot
	f.table.Upsert(mockEntry("r1", "GET", "/foo", 200, `1`))

	rec := httptest.NewRecorder()
	out := f.d.Dispatch(rec, httptest.NewRequest(http.MethodPost, "/foo", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "from upstream", rec.Body.String())
	assert.False(t, out.Matched)
	assert.False(t, out.IsMocked)
	assert.Equal(t, http.StatusTeapot, out.StatusCode)
	assert.Equal(t, "http://upstream/foo", out.UpstreamURL)
	assert.Equal(t, 1, f.fwd.calls)

	ev := f.emitter.last(t)
	assert.False(t, ev.IsMocked)
	assert.Equal(t, "http://upstream/foo", ev.UpstreamURL)
}

func TestDispatch_DisabledRouteForwards(t *testing.T) {
	f := newFixture()
	e := mockEntry("r1", "GET", "/foo", 200, `1`)
	e.Enabled = false
	f.table.Upsert(e)

	rec := httptest.NewRecorder()
	out := f.d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/foo", nil))
	assert.False(t, out.IsMocked)
	assert.Equal(t, 1, f.fwd.calls)
}

func TestDispatch_ExactPathOnly(t *testing.T) {
	f := newFixture()
	f.table.Upsert(mockEntry("r1", "GET", "/foo", 200, `1`))

	out := f.d.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/foo?x=1", nil))
	assert.True(t, out.IsMocked, "query strings are not part of the path")

	out = f.d.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/foo/", nil))
	assert.False(t, out.IsMocked)
}

func TestDispatch_ForwardErrorIs502(t *testing.T) {
	f := newFixture()
	f.fwd.err = errors.New("connection refused")

	rec := httptest.NewRecorder()
	out := f.d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/down", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"forwarding_failed"}`, rec.Body.String())
	assert.Equal(t, http.StatusBadGateway, out.StatusCode)
	assert.Error(t, out.Err)
	assert.Equal(t, metrics.OutcomeForwardError, out.Label())
	assert.NotEmpty(t, f.emitter.last(t).Error)
}

func TestDispatch_NoUpstreamIs502(t *testing.T) {
	f := newFixture()
	f.fwd.err = forward.ErrNoUpstream

	rec := httptest.NewRecorder()
	f.d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDispatch_CancelledDuringForward(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.fwd.before = func(r *http.Request) { cancel() }
	f.fwd.err = context.Canceled

	rec := httptest.NewRecorder()
	out := f.d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx))

	assert.True(t, out.Cancelled)
	assert.Equal(t, StatusClientClosedRequest, out.StatusCode)
	assert.Equal(t, 0, rec.Body.Len(), "nothing written for cancelled requests")

	ev := f.emitter.last(t)
	assert.True(t, ev.Cancelled)
	assert.False(t, ev.IsMocked)
	assert.Equal(t, metrics.OutcomeCancelled, out.Label())
}

func TestDispatch_CancelledBeforeLookup(t *testing.T) {
	f := newFixture()
	f.table.Upsert(mockEntry("r1", "GET", "/foo", 200, `1`))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	out := f.d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/foo", nil).WithContext(ctx))
	assert.True(t, out.Cancelled)
	assert.False(t, out.IsMocked)
	assert.Equal(t, 0, rec.Body.Len())
}

func TestDispatch_RecoversPanics(t *testing.T) {
	f := newFixture()
	f.fwd.panic = "boom"

	rec := httptest.NewRecorder()
	var out Outcome
	assert.NotPanics(t, func() {
		out = f.d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, metrics.OutcomePanic, out.Label())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DispatchTotal.WithLabelValues(metrics.OutcomePanic, "GET", "500")))
}

func TestDispatch_ReraisesAbortHandler(t *testing.T) {
	f := newFixture()
	f.fwd.panic = http.ErrAbortHandler

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		f.d.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	})
	assert.Len(t, f.emitter.events, 1)
}

func TestMethodLabel(t *testing.T) {
	assert.Equal(t, "GET", methodLabel("GET"))
	assert.Equal(t, "OTHER", methodLabel("PROPFIND"))
}
