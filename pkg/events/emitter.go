package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getmockd/prock/pkg/logging"
	"github.com/getmockd/prock/pkg/metrics"
)

// DefaultBufferSize is the per-subscriber buffer used when none is given.
const DefaultBufferSize = 256

const defaultDrainTimeout = 5 * time.Second

var (
	// ErrDuplicateSubscriber is returned when a subscriber name is taken.
	ErrDuplicateSubscriber = errors.New("subscriber already registered")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("emitter closed")
)

// Subscriber consumes events. Handle runs on the subscriber's own delivery
// goroutine, one event at a time, in emission order.
type Subscriber interface {
	Handle(ctx context.Context, ev Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev Event) error

// Handle calls f.
func (f SubscriberFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// SubscribeOptions tune a single subscription.
type SubscribeOptions struct {
	// BufferSize overrides the emitter default.
	BufferSize int
	// Types limits delivery to the listed event types; empty means all.
	Types []Type
}

type subscription struct {
	name  string
	sub   Subscriber
	ch    chan Event
	types map[Type]bool
	done  chan struct{}
}

func (s *subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Emitter delivers events to subscribers without blocking emitters.
type Emitter struct {
	mu         sync.RWMutex
	subs       map[string]*subscription
	closed     bool
	bufferSize int
	drain      time.Duration
	log        *slog.Logger
	metrics    *metrics.Metrics
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Emitter) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Emitter) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithBufferSize sets the default per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.bufferSize = n
		}
	}
}

// WithDrainTimeout bounds how long Close waits for buffered events.
func WithDrainTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.drain = d
		}
	}
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter(opts ...Option) *Emitter {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		subs:       make(map[string]*subscription),
		bufferSize: DefaultBufferSize,
		drain:      defaultDrainTimeout,
		log:        logging.Nop(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	return e
}

// Subscribe registers sub under name and starts its delivery goroutine.
// The returned function unsubscribes; events still buffered are delivered
// first.
func (e *Emitter) Subscribe(name string, sub Subscriber, opts SubscribeOptions) (func(), error) {
	size := opts.BufferSize
	if size <= 0 {
		size = e.bufferSize
	}
	s := &subscription{
		name: name,
		sub:  sub,
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
	if len(opts.Types) > 0 {
		s.types = make(map[Type]bool, len(opts.Types))
		for _, t := range opts.Types {
			s.types[t] = true
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, exists := e.subs[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscriber, name)
	}
	e.subs[name] = s

	e.wg.Add(1)
	go e.deliver(s)

	var once sync.Once
	return func() {
		once.Do(func() { e.unsubscribe(s) })
	}, nil
}

func (e *Emitter) unsubscribe(s *subscription) {
	e.mu.Lock()
	if cur, ok := e.subs[s.name]; ok && cur == s {
		delete(e.subs, s.name)
		close(s.ch)
	}
	e.mu.Unlock()
	<-s.done
}

// Emit hands ev to every interested subscriber. It never blocks: a full
// buffer drops the event for that subscriber.
func (e *Emitter) Emit(ev Event) {
	if ev == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	t := ev.EventType()
	for _, s := range e.subs {
		if !s.wants(t) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			e.metrics.EventsDropped.WithLabelValues(s.name).Inc()
			e.log.Debug("event dropped, subscriber buffer full", "subscriber", s.name, "type", t)
		}
	}
}

// Subscribers returns the names of the registered subscribers.
func (e *Emitter) Subscribers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.subs))
	for name := range e.subs {
		names = append(names, name)
	}
	return names
}

func (e *Emitter) deliver(s *subscription) {
	defer e.wg.Done()
	defer close(s.done)
	for ev := range s.ch {
		if err := e.handle(s, ev); err != nil {
			e.log.Warn("event subscriber failed", "subscriber", s.name, "type", ev.EventType(), "error", err)
			continue
		}
		e.metrics.EventsDelivered.WithLabelValues(s.name).Inc()
	}
}

func (e *Emitter) handle(s *subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.sub.Handle(e.ctx, ev)
}

// Close stops accepting events, lets subscribers drain their buffers for up
// to the drain timeout, then cancels in-flight deliveries and waits for all
// delivery goroutines. Safe to call multiple times.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for name, s := range e.subs {
		close(s.ch)
		delete(e.subs, name)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.drain):
		e.log.Warn("event subscribers did not drain in time")
	}
	e.cancel()
	<-done
}
