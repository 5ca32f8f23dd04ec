// Package memory provides a thread-safe in-memory implementation of
// store.Store. Nothing is persisted; it is the default backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu       sync.RWMutex
	routes   map[string]*route.Record
	config   *route.ProckConfig
	readOnly bool
	now      func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		routes: make(map[string]*route.Record),
		now:    time.Now,
	}
}

// NewReadOnly creates an in-memory store that rejects writes.
func NewReadOnly() *Store {
	s := New()
	s.readOnly = true
	return s
}

// Open is a no-op.
func (s *Store) Open(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Routes returns the route store.
func (s *Store) Routes() store.RouteStore { return routeStore{s} }

// Config returns the config store.
func (s *Store) Config() store.ConfigStore { return configStore{s} }

type routeStore struct{ s *Store }

// List returns all routes ordered by creation time.
func (r routeStore) List(ctx context.Context) ([]*route.Record, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make([]*route.Record, 0, len(r.s.routes))
	for _, rec := range r.s.routes {
		result = append(result, rec.Clone())
	}
	store.SortByCreated(result)
	return result, nil
}

func (r routeStore) Get(ctx context.Context, id string) (*route.Record, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rec, ok := r.s.routes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r routeStore) Create(ctx context.Context, rec *route.Record) error {
	if rec == nil || rec.ID == "" {
		return store.ErrInvalidID
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.readOnly {
		return store.ErrReadOnly
	}
	if _, exists := r.s.routes[rec.ID]; exists {
		return store.ErrAlreadyExists
	}

	now := r.s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	r.s.routes[rec.ID] = rec.Clone()
	return nil
}

func (r routeStore) Update(ctx context.Context, rec *route.Record) error {
	if rec == nil || rec.ID == "" {
		return store.ErrInvalidID
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.readOnly {
		return store.ErrReadOnly
	}
	existing, ok := r.s.routes[rec.ID]
	if !ok {
		return store.ErrNotFound
	}

	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = r.s.now()
	r.s.routes[rec.ID] = rec.Clone()
	return nil
}

func (r routeStore) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.readOnly {
		return store.ErrReadOnly
	}
	if _, ok := r.s.routes[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.s.routes, id)
	return nil
}

type configStore struct{ s *Store }

func (c configStore) GetConfig(ctx context.Context) (*route.ProckConfig, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	if c.s.config == nil {
		return nil, store.ErrNotFound
	}
	cfg := *c.s.config
	return &cfg, nil
}

func (c configStore) SaveConfig(ctx context.Context, cfg route.ProckConfig) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if c.s.readOnly {
		return store.ErrReadOnly
	}
	c.s.config = &cfg
	return nil
}

// Ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)
