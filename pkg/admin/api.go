package admin

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/getmockd/prock/pkg/events"
	"github.com/getmockd/prock/pkg/logging"
	"github.com/getmockd/prock/pkg/metrics"
	"github.com/getmockd/prock/pkg/ratelimit"
	"github.com/getmockd/prock/pkg/requestlog"
	"github.com/getmockd/prock/pkg/routetable"
	"github.com/getmockd/prock/pkg/store"
)

// Syncer applies store changes to the route table.
type Syncer interface {
	Apply(ctx context.Context, ev store.ChangeEvent) error
	Rebuild(ctx context.Context) error
}

// Emitter publishes events. Subscribe is used by the /events stream.
type Emitter interface {
	Emit(ev events.Event)
	Subscribe(name string, sub events.Subscriber, opts events.SubscribeOptions) (func(), error)
}

// API exposes the management endpoints.
type API struct {
	routes  *Manager
	configs store.ConfigStore
	syncer  Syncer
	table   *routetable.Table

	emitter  Emitter
	requests requestlog.Store
	metrics  *metrics.Metrics
	limiter  *ratelimit.Limiter
	fallback http.Handler
	reload   func(ctx context.Context) error
	upstream func() string
	schemas  *schemas

	done      chan struct{}
	closeOnce sync.Once

	log       *slog.Logger
	startTime time.Time
	version   string
	mux       *http.ServeMux
}

// New creates an API over st. Route mutations are applied to table through
// syncer before a response is written.
func New(st store.Store, table *routetable.Table, syncer Syncer, opts ...Option) *API {
	a := &API{
		configs:   st.Config(),
		syncer:    syncer,
		table:     table,
		emitter:   nopEmitter{},
		fallback:  http.NotFoundHandler(),
		schemas:   mustCompileSchemas(),
		done:      make(chan struct{}),
		log:       logging.Nop(),
		startTime: time.Now(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes = NewManager(st.Routes(), syncer, WithManagerEmitter(a.emitter), WithManagerLogger(a.log))
	a.mux = a.buildRoutes()
	return a
}

// ServeHTTP implements http.Handler. Requests whose path ServeMux would
// clean and redirect are never management calls; they go to the fallback
// untouched.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isCleanPath(r.URL.Path) {
		a.fallback.ServeHTTP(w, r)
		return
	}
	a.mux.ServeHTTP(w, r)
}

// isCleanPath reports whether ServeMux would route p without a redirect.
func isCleanPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	clean := path.Clean(p)
	if p[len(p)-1] == '/' && clean != "/" {
		clean += "/"
	}
	return clean == p
}

// Manager returns the route manager backing the API.
func (a *API) Manager() *Manager {
	return a.routes
}

// Close ends open event streams. Call it before shutting down the HTTP
// server, which does not track hijacked connections.
func (a *API) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

// Uptime returns the number of seconds since the API was created.
func (a *API) Uptime() int {
	return int(time.Since(a.startTime).Seconds())
}

type nopEmitter struct{}

func (nopEmitter) Emit(events.Event) {}

func (nopEmitter) Subscribe(string, events.Subscriber, events.SubscribeOptions) (func(), error) {
	return func() {}, nil
}
