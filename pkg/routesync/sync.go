package routesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/getmockd/prock/pkg/events"
	"github.com/getmockd/prock/pkg/logging"
	"github.com/getmockd/prock/pkg/metrics"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/routetable"
	"github.com/getmockd/prock/pkg/store"
)

// Mode selects how change signals are applied.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeRebuild     Mode = "rebuild"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeIncremental || m == ModeRebuild
}

// DefaultQueueSize is the signal queue capacity used when none is configured.
const DefaultQueueSize = 256

// ErrClosed is returned for signals submitted after Close.
var ErrClosed = errors.New("synchronizer closed")

// Config tunes a Synchronizer.
type Config struct {
	Mode      Mode          `json:"mode" yaml:"mode"`
	Debounce  time.Duration `json:"debounce" yaml:"debounce"`
	QueueSize int           `json:"queueSize" yaml:"queueSize"`
}

// Emitter receives sync error events.
type Emitter interface {
	Emit(ev events.Event)
}

type job struct {
	ev      *store.ChangeEvent // nil for an explicit rebuild
	rebuild bool
	err     error
	done    chan struct{}
}

func (j *job) finish(err error) {
	j.err = err
	close(j.done)
}

// Synchronizer applies store changes to a route table.
type Synchronizer struct {
	routes  store.RouteStore
	table   *routetable.Table
	emitter Emitter
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	onConfig func(ctx context.Context)

	mu      sync.RWMutex // guards closed and sends on queue
	closed  bool
	queue   chan *job
	started chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Synchronizer) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithEmitter sets where sync errors and remote route changes are reported.
func WithEmitter(e Emitter) Option {
	return func(s *Synchronizer) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithConfigHook registers fn to run on the worker when a config change
// signal is processed.
func WithConfigHook(fn func(ctx context.Context)) Option {
	return func(s *Synchronizer) {
		s.onConfig = fn
	}
}

type discardEmitter struct{}

func (discardEmitter) Emit(events.Event) {}

// New creates a Synchronizer. Run must be called to start processing.
func New(routes store.RouteStore, table *routetable.Table, cfg Config, opts ...Option) *Synchronizer {
	if !cfg.Mode.Valid() {
		cfg.Mode = ModeIncremental
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	s := &Synchronizer{
		routes:  routes,
		table:   table,
		emitter: discardEmitter{},
		log:     logging.Nop(),
		cfg:     cfg,
		queue:   make(chan *job, cfg.QueueSize),
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

// Mode returns the configured mode.
func (s *Synchronizer) Mode() Mode { return s.cfg.Mode }

// Submit enqueues ev. The returned channel is closed once the signal has
// been applied (or rejected because ctx ended or the synchronizer closed).
func (s *Synchronizer) Submit(ctx context.Context, ev store.ChangeEvent) <-chan struct{} {
	return s.enqueue(ctx, &job{ev: &ev, done: make(chan struct{})}).done
}

// Apply submits ev and waits until the table reflects it.
func (s *Synchronizer) Apply(ctx context.Context, ev store.ChangeEvent) error {
	return s.wait(ctx, s.enqueue(ctx, &job{ev: &ev, done: make(chan struct{})}))
}

// Rebuild queues a full rebuild and waits for it. Only a failure to read
// the store is returned; rejected records are reported, not returned.
func (s *Synchronizer) Rebuild(ctx context.Context) error {
	return s.wait(ctx, s.enqueue(ctx, &job{rebuild: true, done: make(chan struct{})}))
}

func (s *Synchronizer) wait(ctx context.Context, j *job) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Synchronizer) enqueue(ctx context.Context, j *job) *job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		j.finish(ErrClosed)
		return j
	}
	select {
	case s.queue <- j:
	case <-ctx.Done():
		j.finish(ctx.Err())
	}
	return j
}

// Run processes signals until ctx is cancelled or Close is called.
func (s *Synchronizer) Run(ctx context.Context) {
	select {
	case <-s.started:
		return // already running
	default:
	}
	close(s.started)
	defer close(s.stopped)

	var pending []*job
	debounce := time.NewTimer(0)
	debounce.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		debounce.Stop()
		err := s.rebuild(ctx)
		for _, j := range pending {
			j.finish(err)
		}
		pending = nil
	}

	var handle func(j *job)
	handle = func(j *job) {
		switch {
		case j.rebuild || j.ev.Action == store.ActionReset:
			pending = append(pending, j)
			flush()
		case j.ev.Collection == store.CollectionConfig:
			s.applyConfig(ctx)
			j.finish(nil)
		case s.cfg.Mode == ModeRebuild:
			pending = append(pending, j)
			if s.cfg.Debounce > 0 {
				debounce.Reset(s.cfg.Debounce)
				return
			}
			held := s.drainQueued(&pending)
			flush()
			if held != nil {
				handle(held)
			}
		default:
			j.finish(s.applyIncremental(ctx, j.ev))
		}
	}

	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			for _, j := range pending {
				j.finish(ctx.Err())
			}
			s.abandon(ctx.Err())
			return

		case <-debounce.C:
			flush()

		case j, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			handle(j)
		}
	}
}

func isRouteSignal(j *job) bool {
	return !j.rebuild && j.ev.Collection != store.CollectionConfig && j.ev.Action != store.ActionReset
}

// drainQueued moves already queued route signals into pending so a single
// rebuild answers all of them. The first queued job that is not a plain
// route signal is returned for the caller to handle after the rebuild.
func (s *Synchronizer) drainQueued(pending *[]*job) *job {
	for {
		select {
		case j, ok := <-s.queue:
			if !ok {
				return nil
			}
			if !isRouteSignal(j) {
				return j
			}
			*pending = append(*pending, j)
		default:
			return nil
		}
	}
}

// abandon fails every queued job after the worker stops.
func (s *Synchronizer) abandon(err error) {
	for {
		select {
		case j, ok := <-s.queue:
			if !ok {
				return
			}
			j.finish(err)
		default:
			return
		}
	}
}

// Close stops accepting signals, applies everything already queued and
// waits for the worker to exit. Safe to call multiple times.
func (s *Synchronizer) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	select {
	case <-s.started:
		<-s.stopped
	default:
		s.abandon(ErrClosed)
	}
}

// Watch forwards remote changes reported by w into the queue without
// waiting for them to apply, and reports route changes to the emitter.
func (s *Synchronizer) Watch(ctx context.Context, w store.Watcher) error {
	return w.Watch(ctx, func(ev store.ChangeEvent) {
		s.log.Debug("remote change", "collection", ev.Collection, "action", ev.Action, "id", ev.ID)
		s.Submit(ctx, ev)
		if ev.Collection == store.CollectionRoutes && ev.Action != store.ActionReset {
			changed := events.MockRouteChangedEvent{
				RouteID:   ev.ID,
				Action:    string(ev.Action),
				Timestamp: ev.Timestamp,
			}
			if ev.Record != nil {
				changed.Method, changed.Path = ev.Record.Method, ev.Record.Path
			}
			s.emitter.Emit(changed)
		}
	})
}

func (s *Synchronizer) applyConfig(ctx context.Context) {
	if s.onConfig != nil {
		s.onConfig(ctx)
	}
}

func (s *Synchronizer) applyIncremental(ctx context.Context, ev *store.ChangeEvent) error {
	defer s.observe()

	if ev.Action == store.ActionDeleted {
		s.table.Remove(ev.ID)
		s.metrics.SyncApplied.WithLabelValues(string(ev.Action)).Inc()
		return nil
	}

	rec, err := s.routes.Get(ctx, ev.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Deleted after the signal was raised.
		s.table.Remove(ev.ID)
		s.metrics.SyncApplied.WithLabelValues(string(store.ActionDeleted)).Inc()
		return nil
	case err != nil && ev.Record != nil:
		s.log.Warn("store read failed, applying event payload", "id", ev.ID, "error", err)
		rec = ev.Record
	case err != nil:
		s.metrics.SyncErrors.WithLabelValues("store").Inc()
		return fmt.Errorf("read route %s: %w", ev.ID, err)
	}

	entry, err := routetable.NewEntry(rec)
	if err != nil {
		s.reject(rec.ID, err)
		return nil
	}
	s.table.Upsert(entry)
	s.metrics.SyncApplied.WithLabelValues(string(ev.Action)).Inc()
	return nil
}

// rebuild reads every record and swaps in a fresh table. Store read
// failures abort and leave the table untouched; bad records are reported
// and skipped, keeping any entry the table already had for them.
func (s *Synchronizer) rebuild(ctx context.Context) error {
	start := time.Now()
	records, err := s.routes.List(ctx)
	if err != nil {
		s.metrics.SyncErrors.WithLabelValues("store").Inc()
		return fmt.Errorf("list routes: %w", err)
	}
	SortForRebuild(records)

	entries := make([]routetable.Entry, 0, len(records))
	var rejected error
	for _, rec := range records {
		entry, err := routetable.NewEntry(rec)
		if err != nil {
			rejected = multierr.Append(rejected, err)
			s.reject(rec.ID, err)
			if prior, ok := s.table.Get(rec.ID); ok {
				entries = append(entries, prior)
			}
			continue
		}
		entries = append(entries, entry)
	}

	s.table.Replace(entries)
	s.observe()
	s.metrics.Rebuilds.Inc()
	s.metrics.RebuildDuration.Observe(time.Since(start).Seconds())

	s.log.Info("route table rebuilt",
		"routes", len(entries),
		"rejected", len(multierr.Errors(rejected)),
		"version", s.table.Version(),
		"duration", time.Since(start),
	)
	return nil
}

func (s *Synchronizer) reject(id string, err error) {
	reason := "invalid"
	if errors.Is(err, route.ErrMalformedBody) {
		reason = "malformed"
	}
	s.metrics.SyncErrors.WithLabelValues(reason).Inc()
	s.log.Warn("skipping mock route", "id", id, "reason", reason, "error", err)
	s.emitter.Emit(events.SyncErrorEvent{
		RouteID:   id,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
}

func (s *Synchronizer) observe() {
	s.metrics.ObserveTable(s.table.Len(), s.table.Version())
}

// SortForRebuild orders records by (UpdatedAt, CreatedAt, ID) so that the
// most recently written record for a key is applied last and wins.
func SortForRebuild(records []*route.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
