package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/store"
	"github.com/getmockd/prock/pkg/store/storetest"
)

// newTestStore creates a FileStore backed by a temp directory.
func newTestStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	fs := New(store.Config{DataDir: dir})
	require.NoError(t, fs.Open(context.Background()))
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

func TestFileStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t, t.TempDir())
	})
}

func TestFileStore_Open_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	newTestStore(t, dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs := New(store.Config{DataDir: dir})
	require.NoError(t, fs.Open(ctx))
	require.NoError(t, fs.Routes().Create(ctx, storetest.NewRecord("r1", "GET", "/a")))
	require.NoError(t, fs.Config().SaveConfig(ctx, route.ProckConfig{UpstreamURL: "http://up:1"}))
	require.NoError(t, fs.Close())

	reopened := newTestStore(t, dir)
	got, err := reopened.Routes().Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "/a", got.Path)

	cfg, err := reopened.Config().GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://up:1", cfg.UpstreamURL)
}

func TestFileStore_ForceSave_WritesDocument(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	fs := newTestStore(t, dir)

	require.NoError(t, fs.Routes().Create(ctx, storetest.NewRecord("r1", "POST", "/b")))
	require.NoError(t, fs.ForceSave())

	raw, err := os.ReadFile(filepath.Join(dir, dataFileName))
	require.NoError(t, err)

	var doc storeData
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, dataVersion, doc.Version)
	require.Len(t, doc.Routes, 1)
	assert.Equal(t, "POST", doc.Routes[0].Method)

	_, err = os.Stat(filepath.Join(dir, dataFileName+".tmp"))
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestFileStore_Open_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, dataFileName), []byte("{not json"), 0600))

	fs := New(store.Config{DataDir: dir})
	t.Cleanup(func() { _ = fs.Close() })
	assert.Error(t, fs.Open(context.Background()))
}

func TestFileStore_ReadOnly(t *testing.T) {
	fs := New(store.Config{DataDir: t.TempDir(), ReadOnly: true})
	require.NoError(t, fs.Open(context.Background()))
	t.Cleanup(func() { _ = fs.Close() })

	err := fs.Routes().Create(context.Background(), storetest.NewRecord("r1", "GET", "/a"))
	assert.ErrorIs(t, err, store.ErrReadOnly)
	assert.ErrorIs(t, fs.ForceSave(), store.ErrReadOnly)
}

func TestFileStore_CloseIsIdempotent(t *testing.T) {
	fs := New(store.Config{DataDir: t.TempDir()})
	require.NoError(t, fs.Open(context.Background()))
	assert.NoError(t, fs.Close())
	assert.NoError(t, fs.Close())
}
