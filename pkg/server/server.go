// Package server assembles a complete prock process: store, route table,
// synchronizer, dispatcher, management API and the HTTP listener that
// serves them on a single port.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/getmockd/prock/pkg/admin"
	"github.com/getmockd/prock/pkg/config"
	"github.com/getmockd/prock/pkg/dispatch"
	"github.com/getmockd/prock/pkg/events"
	"github.com/getmockd/prock/pkg/forward"
	"github.com/getmockd/prock/pkg/logging"
	"github.com/getmockd/prock/pkg/metrics"
	"github.com/getmockd/prock/pkg/ratelimit"
	"github.com/getmockd/prock/pkg/requestlog"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/routesync"
	"github.com/getmockd/prock/pkg/routetable"
	"github.com/getmockd/prock/pkg/seed"
	"github.com/getmockd/prock/pkg/store"
	"github.com/getmockd/prock/pkg/store/file"
	"github.com/getmockd/prock/pkg/store/memory"
	"github.com/getmockd/prock/pkg/store/redis"
)

var (
	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("server is already running")
	// ErrClosed is returned by Start after Shutdown or a failed Start.
	ErrClosed = errors.New("server is closed")
)

// Server is one prock instance. It is single-use: once shut down, or once
// Start has failed past opening the store, create a new one.
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	version string
	baseDir string

	store      store.Store
	table      *routetable.Table
	sync       *routesync.Synchronizer
	emitter    *events.Emitter
	requests   *requestlog.MemoryStore
	metrics    *metrics.Metrics
	fwd        *forward.Upstream
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	api        *admin.API

	mu         sync.Mutex
	running    bool
	closed     bool
	listener   net.Listener
	httpServer *http.Server
	cancel     context.CancelFunc
	serveErr   chan error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithStore uses st instead of the backend named in the configuration.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithBaseDir resolves relative seed patterns against dir.
func WithBaseDir(dir string) Option {
	return func(s *Server) { s.baseDir = dir }
}

// New builds a Server from cfg. Nothing is opened or started until Start.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		log:     logging.Nop(),
		version: "dev",
		table:   routetable.New(),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = newStore(cfg.Store, s.log)
	}

	s.emitter = events.NewEmitter(
		events.WithLogger(logging.Component(s.log, "events")),
		events.WithMetrics(s.metrics),
		events.WithBufferSize(cfg.Events.BufferSize),
	)
	if err := s.subscribe(); err != nil {
		s.emitter.Close()
		return nil, err
	}

	s.fwd = forward.NewUpstream(cfg.Forward, forward.WithLogger(logging.Component(s.log, "forward")))

	s.sync = routesync.New(s.store.Routes(), s.table, cfg.Sync,
		routesync.WithLogger(logging.Component(s.log, "sync")),
		routesync.WithMetrics(s.metrics),
		routesync.WithEmitter(s.emitter),
		routesync.WithConfigHook(func(ctx context.Context) {
			if err := s.applyUpstream(ctx); err != nil {
				s.log.Warn("failed to apply upstream configuration", "error", err)
			}
		}),
	)

	s.dispatcher = dispatch.New(s.table, s.fwd,
		dispatch.WithLogger(logging.Component(s.log, "dispatch")),
		dispatch.WithMetrics(s.metrics),
		dispatch.WithEmitter(s.emitter),
	)

	apiOpts := []admin.Option{
		admin.WithLogger(logging.Component(s.log, "admin")),
		admin.WithMetrics(s.metrics),
		admin.WithEmitter(s.emitter),
		admin.WithRequestLog(s.requests),
		admin.WithFallback(s.dispatcher),
		admin.WithReloadHook(s.Reload),
		admin.WithUpstream(s.fwd.UpstreamURL),
		admin.WithVersion(s.version),
	}
	if cfg.Admin.RateLimit > 0 {
		s.limiter = ratelimit.New(cfg.Admin.RateLimit, cfg.Admin.Burst,
			ratelimit.WithTrustProxy(cfg.Admin.TrustProxy),
			ratelimit.WithRejectHook(func(ip string) {
				s.metrics.AdminRateLimited.Inc()
				s.log.Debug("management request rate limited", "ip", ip)
			}),
		)
		apiOpts = append(apiOpts, admin.WithRateLimiter(s.limiter))
	}
	s.api = admin.New(s.store, s.table, s.sync, apiOpts...)

	return s, nil
}

func newStore(cfg store.Config, log *slog.Logger) store.Store {
	switch cfg.Backend {
	case store.BackendFile:
		return file.New(cfg, file.WithLogger(logging.Component(log, "store")))
	case store.BackendRedis:
		return redis.New(cfg, redis.WithLogger(logging.Component(log, "store")))
	default:
		if cfg.ReadOnly {
			return memory.NewReadOnly()
		}
		return memory.New()
	}
}

func (s *Server) subscribe() error {
	_, err := s.emitter.Subscribe("log", events.NewLogSubscriber(logging.Component(s.log, "requests")), events.SubscribeOptions{})
	if err != nil {
		return err
	}

	s.requests = requestlog.NewMemoryStore(s.cfg.RequestLog.MaxEntries)
	_, err = s.emitter.Subscribe("requestlog", s.requests, events.SubscribeOptions{
		Types: []events.Type{events.TypeProxyRequest},
	})
	if err != nil {
		return err
	}

	if url := s.cfg.Events.WebhookURL; url != "" {
		hook := events.NewWebhookSubscriber(url, s.cfg.Events.WebhookRate)
		if _, err := s.emitter.Subscribe("webhook", hook, events.SubscribeOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// Start opens the store, imports seed files, builds the route table and
// starts serving. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.closed {
		return ErrClosed
	}

	if err := s.store.Open(ctx); err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	fail := func(err error) error {
		s.closed = true
		s.api.Close()
		return multierr.Append(err, s.release(cancel))
	}

	if err := s.initUpstream(ctx); err != nil {
		return fail(err)
	}
	if len(s.cfg.Seed) > 0 {
		res, err := seed.Import(ctx, s.store.Routes(), s.cfg.Seed, s.baseDir)
		if err != nil {
			s.log.Warn("some seed routes were not imported", "error", err)
		}
		s.log.Info("seed routes imported", "files", len(res.Files), "created", res.Created, "updated", res.Updated)
	}

	go s.sync.Run(runCtx)

	if err := s.sync.Rebuild(ctx); err != nil {
		return fail(fmt.Errorf("building route table: %w", err))
	}
	if w, ok := s.store.(store.Watcher); ok {
		if err := s.sync.Watch(runCtx, w); err != nil {
			return fail(fmt.Errorf("watching store: %w", err))
		}
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fail(fmt.Errorf("listening on %s: %w", s.cfg.Listen, err))
	}

	s.httpServer = &http.Server{
		Handler:           s.api,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	s.listener = ln
	s.cancel = cancel
	s.serveErr = make(chan error, 1)
	s.running = true

	go func(srv *http.Server, errc chan<- error) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
			errc <- err
		}
		close(errc)
	}(s.httpServer, s.serveErr)

	s.log.Info("prock listening",
		"addr", ln.Addr().String(),
		"upstream", s.fwd.UpstreamURL(),
		"store", s.cfg.Store.Backend,
		"sync", s.sync.Mode(),
		"routes", s.table.Len(),
	)
	return nil
}

// initUpstream stores the configured upstream when the store has none yet,
// then points the forwarder at whatever the store holds.
func (s *Server) initUpstream(ctx context.Context) error {
	_, err := s.store.Config().GetConfig(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if s.cfg.UpstreamURL != "" {
			err := s.store.Config().SaveConfig(ctx, route.ProckConfig{UpstreamURL: s.cfg.UpstreamURL})
			if err != nil && !errors.Is(err, store.ErrReadOnly) {
				return fmt.Errorf("saving initial configuration: %w", err)
			}
		}
	case err != nil:
		return fmt.Errorf("reading configuration: %w", err)
	}
	return s.applyUpstream(ctx)
}

// applyUpstream points the forwarder at the stored upstream, falling back
// to the configured one when nothing is stored.
func (s *Server) applyUpstream(ctx context.Context) error {
	upstream := s.cfg.UpstreamURL
	cfg, err := s.store.Config().GetConfig(ctx)
	switch {
	case err == nil:
		upstream = cfg.UpstreamURL
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	if upstream == "" {
		return nil
	}
	return s.fwd.SetUpstream(upstream)
}

// Reload re-reads the stored configuration and rebuilds the route table
// from the store.
func (s *Server) Reload(ctx context.Context) error {
	if err := s.applyUpstream(ctx); err != nil {
		return fmt.Errorf("applying configuration: %w", err)
	}
	return s.sync.Rebuild(ctx)
}

// Shutdown stops serving and releases every resource. In-flight requests
// get until ctx ends to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.closed = true

	var errs error
	s.api.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	errs = multierr.Append(errs, s.release(s.cancel))
	if err := <-s.serveErr; err != nil {
		errs = multierr.Append(errs, err)
	}
	s.log.Info("prock stopped")
	return errs
}

// release stops the background workers and closes the store. The
// synchronizer drains its queue before cancel ends the watch.
func (s *Server) release(cancel context.CancelFunc) error {
	s.sync.Close()
	cancel()
	s.emitter.Close()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("store close: %w", err)
	}
	return nil
}

// Run starts the server and blocks until ctx is cancelled or the process
// receives SIGINT or SIGTERM, then shuts down within the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
	case err, ok := <-s.serveErr:
		if ok {
			serveErr = err
		}
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return multierr.Append(serveErr, s.Shutdown(shutdownCtx))
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the root handler serving both management and proxied
// traffic.
func (s *Server) Handler() http.Handler { return s.api }

// Table returns the live route table.
func (s *Server) Table() *routetable.Table { return s.table }

// Store returns the backing store.
func (s *Server) Store() store.Store { return s.store }

// Emitter returns the event emitter.
func (s *Server) Emitter() *events.Emitter { return s.emitter }

// Upstream returns the current forwarding target.
func (s *Server) Upstream() string { return s.fwd.UpstreamURL() }
