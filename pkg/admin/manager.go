package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/getmockd/prock/internal/id"
	"github.com/getmockd/prock/pkg/events"
	"github.com/getmockd/prock/pkg/logging"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/store"
)

// Manager performs mock route mutations. Each mutation is written to the
// store, then applied to the route table, then announced as a
// MockRouteChangedEvent.
type Manager struct {
	routes  store.RouteStore
	syncer  Syncer
	emitter interface{ Emit(events.Event) }
	log     *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerEmitter sets the emitter for route change events.
func WithManagerEmitter(e interface{ Emit(events.Event) }) ManagerOption {
	return func(m *Manager) {
		if e != nil {
			m.emitter = e
		}
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager creates a Manager.
func NewManager(routes store.RouteStore, syncer Syncer, opts ...ManagerOption) *Manager {
	m := &Manager{
		routes:  routes,
		syncer:  syncer,
		emitter: nopEmitter{},
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// List returns every stored route.
func (m *Manager) List(ctx context.Context) ([]*route.Record, error) {
	return m.routes.List(ctx)
}

// Get returns one route or store.ErrNotFound.
func (m *Manager) Get(ctx context.Context, routeID string) (*route.Record, error) {
	return m.routes.Get(ctx, routeID)
}

// Create validates dto and stores it as a new route. A route ID is
// generated when the DTO does not carry one.
func (m *Manager) Create(ctx context.Context, dto route.DTO) (*route.Record, error) {
	rec, err := dto.ToRecord()
	if err != nil {
		return nil, err
	}
	switch {
	case rec.ID == "":
		rec.ID = id.UUID()
	case !id.Valid(rec.ID):
		return nil, &route.ValidationError{Field: "routeId", Message: "must be a UUID or 1-128 characters of [A-Za-z0-9._-]"}
	}
	if err := m.routes.Create(ctx, rec); err != nil {
		return nil, err
	}
	return m.commit(ctx, store.ActionCreated, rec.ID)
}

// Update replaces the route named by dto.RouteID.
func (m *Manager) Update(ctx context.Context, dto route.DTO) (*route.Record, error) {
	if dto.RouteID == "" {
		return nil, &route.ValidationError{Field: "routeId", Message: "is required"}
	}
	rec, err := dto.ToRecord()
	if err != nil {
		return nil, err
	}
	prev, err := m.routes.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if err := m.routes.Update(ctx, rec); err != nil {
		return nil, err
	}
	return m.commit(ctx, updateAction(prev, rec), rec.ID)
}

// SetEnabled flips the enabled flag of a route.
func (m *Manager) SetEnabled(ctx context.Context, routeID string, enabled bool) (*route.Record, error) {
	rec, err := m.routes.Get(ctx, routeID)
	if err != nil {
		return nil, err
	}
	rec.Enabled = enabled
	if err := m.routes.Update(ctx, rec); err != nil {
		return nil, err
	}
	action := store.ActionDisabled
	if enabled {
		action = store.ActionEnabled
	}
	return m.commit(ctx, action, routeID)
}

// Delete removes a route. Deleting an unknown ID returns store.ErrNotFound
// and leaves the route table untouched.
func (m *Manager) Delete(ctx context.Context, routeID string) error {
	prev, err := m.routes.Get(ctx, routeID)
	if err != nil {
		return err
	}
	if err := m.routes.Delete(ctx, routeID); err != nil {
		return err
	}
	m.apply(ctx, store.NewChangeEvent(store.ActionDeleted, routeID, nil))
	m.announce(store.ActionDeleted, prev)
	return nil
}

// commit re-reads the stored record so the caller sees store-assigned
// timestamps, applies the change and announces it.
func (m *Manager) commit(ctx context.Context, action store.Action, routeID string) (*route.Record, error) {
	rec, err := m.routes.Get(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("reading back route %s: %w", routeID, err)
	}
	m.apply(ctx, store.NewChangeEvent(action, routeID, rec))
	m.announce(action, rec)
	return rec, nil
}

// apply waits for the synchronizer. The store already holds the change, so
// a failure here is logged and left for the next rebuild.
func (m *Manager) apply(ctx context.Context, ev store.ChangeEvent) {
	if err := m.syncer.Apply(ctx, ev); err != nil {
		m.log.Warn("route change not applied to table", "id", ev.ID, "action", ev.Action, "error", err)
	}
}

func (m *Manager) announce(action store.Action, rec *route.Record) {
	m.emitter.Emit(events.MockRouteChangedEvent{
		RouteID:   rec.ID,
		Action:    string(action),
		Method:    rec.Method,
		Path:      rec.Path,
		Timestamp: time.Now(),
	})
}

// updateAction reports enabled/disabled when only the flag changed.
func updateAction(prev, next *route.Record) store.Action {
	same := prev.Method == next.Method &&
		prev.Path == next.Path &&
		prev.StatusCode == next.StatusCode &&
		prev.MockBody == next.MockBody
	if same && prev.Enabled != next.Enabled {
		if next.Enabled {
			return store.ActionEnabled
		}
		return store.ActionDisabled
	}
	return store.ActionUpdated
}
