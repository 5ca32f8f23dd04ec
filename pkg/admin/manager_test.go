package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/prock/pkg/events"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/store"
	"github.com/getmockd/prock/pkg/store/memory"
)

type recordingSyncer struct {
	mu      sync.Mutex
	applied []store.ChangeEvent
	err     error
}

func (s *recordingSyncer) Apply(ctx context.Context, ev store.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, ev)
	return s.err
}

func (s *recordingSyncer) Rebuild(ctx context.Context) error { return s.err }

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEmitter) Emit(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func TestManager_MutationOrder(t *testing.T) {
	ctx := context.Background()
	syncer := &recordingSyncer{}
	em := &recordingEmitter{}
	m := NewManager(memory.New().Routes(), syncer, WithManagerEmitter(em))

	rec, err := m.Create(ctx, route.DTO{Method: "get", Path: "/a", Mock: []byte(`{"x":1}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	_, err = m.SetEnabled(ctx, rec.ID, false)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, rec.ID))

	require.Len(t, syncer.applied, 3)
	assert.Equal(t, store.ActionCreated, syncer.applied[0].Action)
	assert.Equal(t, `{"x":1}`, syncer.applied[0].Record.MockBody)
	assert.Equal(t, store.ActionDisabled, syncer.applied[1].Action)
	assert.False(t, syncer.applied[1].Record.Enabled)
	assert.Equal(t, store.ActionDeleted, syncer.applied[2].Action)
	assert.Nil(t, syncer.applied[2].Record)

	require.Len(t, em.events, 3)
	last := em.events[2].(events.MockRouteChangedEvent)
	assert.Equal(t, "deleted", last.Action)
	assert.Equal(t, "/a", last.Path)
}

func TestManager_FailedWriteIsNotApplied(t *testing.T) {
	ctx := context.Background()
	syncer := &recordingSyncer{}
	m := NewManager(memory.New().Routes(), syncer)

	err := m.Delete(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Update(ctx, route.DTO{RouteID: "missing", Method: "GET", Path: "/x"})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Create(ctx, route.DTO{Method: "GET", Path: "no-slash"})
	require.ErrorIs(t, err, route.ErrInvalid)

	assert.Empty(t, syncer.applied)
}

func TestManager_ApplyFailureStillSucceeds(t *testing.T) {
	ctx := context.Background()
	routes := memory.New().Routes()
	m := NewManager(routes, &recordingSyncer{err: errors.New("closed")})

	rec, err := m.Create(ctx, route.DTO{Method: "GET", Path: "/a"})
	require.NoError(t, err)

	_, err = routes.Get(ctx, rec.ID)
	assert.NoError(t, err)
}

func TestUpdateAction(t *testing.T) {
	base := route.Record{Method: "GET", Path: "/a", StatusCode: 200, MockBody: "1", Enabled: true}

	disabled := base
	disabled.Enabled = false
	assert.Equal(t, store.ActionDisabled, updateAction(&base, &disabled))
	assert.Equal(t, store.ActionEnabled, updateAction(&disabled, &base))

	changed := disabled
	changed.MockBody = "2"
	assert.Equal(t, store.ActionUpdated, updateAction(&base, &changed))
	assert.Equal(t, store.ActionUpdated, updateAction(&base, &base))
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"wrapped not found", errors.Join(errors.New("ctx"), store.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"conflict", store.ErrAlreadyExists, http.StatusConflict, CodeConflict},
		{"validation", &route.ValidationError{Field: "path", Message: "must start with /"}, http.StatusBadRequest, CodeValidationError},
		{"schema", &SchemaError{Violations: []string{"x"}}, http.StatusBadRequest, CodeValidationError},
		{"read only", store.ErrReadOnly, http.StatusForbidden, CodeReadOnly},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError, CodeStoreError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, msg := sanitizeError(tt.err, slog.New(slog.DiscardHandler), "op")
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
			assert.NotContains(t, msg, "disk on fire")
		})
	}
}

func TestSchemas(t *testing.T) {
	s, err := compileSchemas()
	require.NoError(t, err)

	assert.NoError(t, validateBody(s.create, []byte(`{"method":"GET","path":"/a","mock":{"any":["thing"]}}`)))
	assert.NoError(t, validateBody(s.create, []byte(`{"method":"GET","path":"/a","mock":null,"enabled":false,"statusCode":404}`)))

	err = validateBody(s.update, []byte(`{"method":"GET","path":"/a"}`))
	var serr *SchemaError
	require.ErrorAs(t, err, &serr)
	assert.NotEmpty(t, serr.Violations)

	err = validateBody(s.create, []byte(`{"method":"GET","path":"/a","statusCode":"200"}`))
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Error(), "statusCode")

	assert.NoError(t, validateBody(s.config, []byte(`{"upstreamUrl":"https://api.example.com"}`)))
	assert.Error(t, validateBody(s.config, []byte(`{}`)))
}
