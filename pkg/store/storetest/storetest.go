// Package storetest holds a conformance suite every store.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/store"
)

// Factory returns an opened store. The suite closes nothing; factories
// register their own cleanup.
type Factory func(t *testing.T) store.Store

// NewRecord builds a valid enabled record.
func NewRecord(id, method, path string) *route.Record {
	return &route.Record{
		ID:         id,
		Method:     method,
		Path:       path,
		StatusCode: 200,
		MockBody:   `{"id":"` + id + `"}`,
		Enabled:    true,
	}
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("CreateWithoutID", func(t *testing.T) { testCreateWithoutID(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ListOrder", func(t *testing.T) { testListOrder(t, newStore(t)) })
	t.Run("ReturnsCopies", func(t *testing.T) { testReturnsCopies(t, newStore(t)) })
	t.Run("DuplicateKeysAllowed", func(t *testing.T) { testDuplicateKeys(t, newStore(t)) })
	t.Run("Config", func(t *testing.T) { testConfig(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("r1", "GET", "/users")
	require.NoError(t, s.Routes().Create(ctx, rec))
	assert.False(t, rec.CreatedAt.IsZero(), "CreatedAt should be assigned")
	assert.False(t, rec.UpdatedAt.IsZero(), "UpdatedAt should be assigned")

	got, err := s.Routes().Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "GET", got.Method)
	assert.Equal(t, "/users", got.Path)
	assert.Equal(t, 200, got.StatusCode)
	assert.Equal(t, `{"id":"r1"}`, got.MockBody)
	assert.True(t, got.Enabled)
	assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Routes().Create(ctx, NewRecord("r1", "GET", "/a")))
	err := s.Routes().Create(ctx, NewRecord("r1", "GET", "/b"))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	got, err := s.Routes().Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "/a", got.Path)
}

func testCreateWithoutID(t *testing.T, s store.Store) {
	err := s.Routes().Create(context.Background(), NewRecord("", "GET", "/a"))
	assert.ErrorIs(t, err, store.ErrInvalidID)
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Routes().Get(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord("r1", "GET", "/a")
	require.NoError(t, s.Routes().Create(ctx, rec))
	created := rec.CreatedAt

	time.Sleep(2 * time.Millisecond)
	upd := NewRecord("r1", "POST", "/b")
	upd.Enabled = false
	upd.StatusCode = 418
	require.NoError(t, s.Routes().Update(ctx, upd))

	got, err := s.Routes().Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "/b", got.Path)
	assert.Equal(t, 418, got.StatusCode)
	assert.False(t, got.Enabled)
	assert.True(t, got.CreatedAt.Equal(created), "CreatedAt must be preserved")
	assert.True(t, got.UpdatedAt.After(created), "UpdatedAt must advance")
}

func testUpdateMissing(t *testing.T, s store.Store) {
	err := s.Routes().Update(context.Background(), NewRecord("ghost", "GET", "/a"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Routes().Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound, "update must not create")
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Routes().Create(ctx, NewRecord("r1", "GET", "/a")))
	require.NoError(t, s.Routes().Delete(ctx, "r1"))

	_, err := s.Routes().Get(ctx, "r1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Routes().Delete(ctx, "r1"), store.ErrNotFound)
}

func testListOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Routes().Create(ctx, NewRecord(id, "GET", "/"+id)))
		time.Sleep(2 * time.Millisecond)
	}

	list, err := s.Routes().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, "b", list[2].ID)
}

func testReturnsCopies(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Routes().Create(ctx, NewRecord("r1", "GET", "/a")))

	got, err := s.Routes().Get(ctx, "r1")
	require.NoError(t, err)
	got.Path = "/mutated"

	again, err := s.Routes().Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "/a", again.Path)
}

func testDuplicateKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Routes().Create(ctx, NewRecord("r1", "GET", "/same")))
	require.NoError(t, s.Routes().Create(ctx, NewRecord("r2", "GET", "/same")))

	list, err := s.Routes().List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func testConfig(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Config().GetConfig(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Config().SaveConfig(ctx, route.ProckConfig{UpstreamURL: "http://localhost:3000"}))
	cfg, err := s.Config().GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", cfg.UpstreamURL)

	require.NoError(t, s.Config().SaveConfig(ctx, route.ProckConfig{UpstreamURL: "http://other:9000"}))
	cfg, err = s.Config().GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://other:9000", cfg.UpstreamURL)
}
