package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/prock/pkg/client"
	"github.com/getmockd/prock/pkg/config"
	"github.com/getmockd/prock/pkg/events"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/routesync"
	"github.com/getmockd/prock/pkg/store"
)

type fakeUpstream struct {
	*httptest.Server
	hits atomic.Int64
}

func newUpstream(t *testing.T, name string) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		w.Header().Set("X-Upstream", name)
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, name+" "+r.URL.Path)
	}))
	t.Cleanup(u.Close)
	return u
}

func testConfig(upstream string) *config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.UpstreamURL = upstream
	cfg.Admin.RateLimit = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, opts ...Option) (*Server, *client.Client) {
	t.Helper()
	srv, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
	})
	return srv, client.New("http://" + srv.Addr())
}

func get(t *testing.T, c *client.Client, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(c.BaseURL() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_CreateThenServeMock(t *testing.T) {
	up := newUpstream(t, "primary")
	_, c := startServer(t, testConfig(up.URL))
	ctx := context.Background()

	created, err := c.CreateRoute(ctx, route.DTO{
		Method: "GET",
		Path:   "/users",
		Mock:   json.RawMessage(`{"users":[]}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.RouteID)

	status, body := get(t, c, "/users")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"users":[]}`, body)
	assert.Zero(t, up.hits.Load())

	status, body = get(t, c, "/orders")
	assert.Equal(t, http.StatusTeapot, status)
	assert.Equal(t, "primary /orders", body)
}

func TestServer_DisabledRouteIsForwarded(t *testing.T) {
	up := newUpstream(t, "primary")
	_, c := startServer(t, testConfig(up.URL))
	ctx := context.Background()

	created, err := c.CreateRoute(ctx, route.DTO{Method: "GET", Path: "/users", Mock: json.RawMessage(`[]`)})
	require.NoError(t, err)

	_, err = c.DisableRoute(ctx, created.RouteID)
	require.NoError(t, err)

	status, body := get(t, c, "/users")
	assert.Equal(t, http.StatusTeapot, status)
	assert.Equal(t, "primary /users", body)

	_, err = c.EnableRoute(ctx, created.RouteID)
	require.NoError(t, err)
	status, _ = get(t, c, "/users")
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_DeleteUnknownLeavesTable(t *testing.T) {
	up := newUpstream(t, "primary")
	srv, c := startServer(t, testConfig(up.URL))
	ctx := context.Background()

	_, err := c.CreateRoute(ctx, route.DTO{Method: "GET", Path: "/a"})
	require.NoError(t, err)
	before := srv.Table().Version()

	err = c.DeleteRoute(ctx, "does-not-exist")
	require.ErrorIs(t, err, client.ErrNotFound)
	assert.Equal(t, before, srv.Table().Version())
	assert.Equal(t, 1, srv.Table().Len())
}

func TestServer_MalformedRecordExcluded(t *testing.T) {
	up := newUpstream(t, "primary")
	srv, c := startServer(t, testConfig(up.URL))
	ctx := context.Background()

	sub := events.NewChannelSubscriber(8)
	_, err := srv.Emitter().Subscribe("test", sub, events.SubscribeOptions{Types: []events.Type{events.TypeSyncError}})
	require.NoError(t, err)

	bad := &route.Record{ID: "bad", Method: "GET", Path: "/broken", StatusCode: 200, MockBody: `{"a":`, Enabled: true}
	require.NoError(t, srv.Store().Routes().Create(ctx, bad))

	_, err = c.Restart(ctx)
	require.NoError(t, err)

	status, _ := get(t, c, "/broken")
	assert.Equal(t, http.StatusTeapot, status)

	select {
	case ev := <-sub.C():
		assert.Equal(t, "bad", ev.(events.SyncErrorEvent).RouteID)
	case <-time.After(2 * time.Second):
		t.Fatal("no sync error event")
	}
}

func TestServer_UpstreamFromStoreWins(t *testing.T) {
	first := newUpstream(t, "first")
	second := newUpstream(t, "second")

	cfg := testConfig(first.URL)
	cfg.Store.Backend = store.BackendFile
	cfg.Store.DataDir = t.TempDir()
	cfg.Store.SaveDebounce = 0

	srv, c := startServer(t, cfg)
	_, err := c.SetUpstream(context.Background(), second.URL)
	require.NoError(t, err)
	assert.Equal(t, second.URL, srv.Upstream())

	status, body := get(t, c, "/x")
	assert.Equal(t, http.StatusTeapot, status)
	assert.Equal(t, "second /x", body)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	// Restarting with the same config keeps the stored upstream.
	restarted, _ := startServer(t, cfg)
	assert.Equal(t, second.URL, restarted.Upstream())
}

func TestServer_SeedFiles(t *testing.T) {
	up := newUpstream(t, "primary")
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "mocks", "v1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mocks", "v1", "health.yaml"), []byte(`
method: GET
path: /health-check
statusCode: 203
mock:
  ok: true
`), 0o644))

	cfg := testConfig(up.URL)
	cfg.Seed = []string{"mocks/**/*.yaml"}
	srv, c := startServer(t, cfg, WithBaseDir(dir))

	assert.Equal(t, 1, srv.Table().Len())
	status, body := get(t, c, "/health-check")
	assert.Equal(t, 203, status)
	assert.JSONEq(t, `{"ok":true}`, body)
}

func TestServer_RebuildModeWithDebounce(t *testing.T) {
	up := newUpstream(t, "primary")
	cfg := testConfig(up.URL)
	cfg.Sync.Mode = routesync.ModeRebuild
	cfg.Sync.Debounce = 50 * time.Millisecond
	_, c := startServer(t, cfg)
	ctx := context.Background()

	for _, p := range []string{"/a", "/b", "/c"} {
		_, err := c.CreateRoute(ctx, route.DTO{Method: "GET", Path: p, Mock: json.RawMessage(`"` + p + `"`)})
		require.NoError(t, err)
	}

	status, body := get(t, c, "/b")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `"/b"`, body)

	table, err := c.RouteTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, table.Count)
}

func TestServer_RedisInstancesConverge(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newUpstream(t, "first")
	second := newUpstream(t, "second")

	newCfg := func() *config.Config {
		cfg := testConfig(first.URL)
		cfg.Store.Backend = store.BackendRedis
		cfg.Store.Redis.Addr = mr.Addr()
		return cfg
	}
	_, writer := startServer(t, newCfg())
	reader, readerClient := startServer(t, newCfg())
	ctx := context.Background()

	created, err := writer.CreateRoute(ctx, route.DTO{Method: "GET", Path: "/shared", Mock: json.RawMessage(`1`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _ := get(t, readerClient, "/shared")
		return status == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	_, err = writer.DisableRoute(ctx, created.RouteID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, _ := get(t, readerClient, "/shared")
		return status == http.StatusTeapot
	}, 3*time.Second, 20*time.Millisecond)

	_, err = writer.SetUpstream(ctx, second.URL)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return reader.Upstream() == second.URL
	}, 3*time.Second, 20*time.Millisecond)
}

func TestServer_UncleanPathsReachDispatcher(t *testing.T) {
	up := newUpstream(t, "primary")
	_, c := startServer(t, testConfig(up.URL))

	_, err := c.CreateRoute(context.Background(), route.DTO{Method: "GET", Path: "/a//b", Mock: json.RawMessage(`"double"`)})
	require.NoError(t, err)

	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	fetch := func(p string) (int, string) {
		resp, err := noRedirect.Get(c.BaseURL() + p)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	status, body := fetch("/a//b")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `"double"`, body)

	status, body = fetch("//x")
	assert.Equal(t, http.StatusTeapot, status)
	assert.Equal(t, "primary //x", body)

	status, body = fetch("/x/../y")
	assert.Equal(t, http.StatusTeapot, status)
	assert.Equal(t, "primary /x/../y", body)
	assert.EqualValues(t, 2, up.hits.Load())
}

// Deleting the newer of two routes sharing a key serves the older one, and a
// rebuild over the same store agrees.
func TestServer_DeleteOwnerAgreesWithRestart(t *testing.T) {
	for _, mode := range []routesync.Mode{routesync.ModeIncremental, routesync.ModeRebuild} {
		t.Run(string(mode), func(t *testing.T) {
			up := newUpstream(t, "primary")
			cfg := testConfig(up.URL)
			cfg.Sync.Mode = mode
			_, c := startServer(t, cfg)
			ctx := context.Background()

			_, err := c.CreateRoute(ctx, route.DTO{RouteID: "a", Method: "GET", Path: "/foo", Mock: json.RawMessage(`"A"`)})
			require.NoError(t, err)
			time.Sleep(2 * time.Millisecond)
			_, err = c.CreateRoute(ctx, route.DTO{RouteID: "b", Method: "GET", Path: "/foo", Mock: json.RawMessage(`"B"`)})
			require.NoError(t, err)

			status, body := get(t, c, "/foo")
			require.Equal(t, http.StatusOK, status)
			assert.JSONEq(t, `"B"`, body)

			require.NoError(t, c.DeleteRoute(ctx, "b"))
			status, body = get(t, c, "/foo")
			require.Equal(t, http.StatusOK, status)
			assert.JSONEq(t, `"A"`, body)

			_, err = c.Restart(ctx)
			require.NoError(t, err)
			status, body = get(t, c, "/foo")
			require.Equal(t, http.StatusOK, status)
			assert.JSONEq(t, `"A"`, body)
		})
	}
}

func TestServer_ShutdownAppliesQueuedSignals(t *testing.T) {
	up := newUpstream(t, "primary")
	cfg := testConfig(up.URL)
	cfg.Sync.Mode = routesync.ModeRebuild
	cfg.Sync.Debounce = time.Hour
	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	ctx := context.Background()
	rec := &route.Record{ID: "late", Method: "GET", Path: "/late", StatusCode: 200, Enabled: true}
	require.NoError(t, srv.Store().Routes().Create(ctx, rec))
	done := srv.sync.Submit(ctx, store.NewChangeEvent(store.ActionCreated, rec.ID, rec))

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(shutdownCtx))

	select {
	case <-done:
	default:
		t.Fatal("queued signal still pending after Shutdown")
	}
	_, ok := srv.Table().Get("late")
	assert.True(t, ok, "debounced signal applied before the worker stopped")
}

func TestServer_FailedStartIsFinal(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { busy.Close() })

	up := newUpstream(t, "primary")
	cfg := testConfig(up.URL)
	cfg.Listen = busy.Addr().String()
	srv, err := New(cfg)
	require.NoError(t, err)

	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrClosed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, srv.Start(ctx), ErrClosed)
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestServer_StartAfterShutdown(t *testing.T) {
	up := newUpstream(t, "primary")
	srv, err := New(testConfig(up.URL))
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.ErrorIs(t, srv.Start(ctx), ErrClosed)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	up := newUpstream(t, "primary")
	srv, err := New(testConfig(up.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	h, err := client.New("http://" + srv.Addr()).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestServer_StartTwice(t *testing.T) {
	up := newUpstream(t, "primary")
	srv, _ := startServer(t, testConfig(up.URL))
	assert.ErrorIs(t, srv.Start(context.Background()), ErrAlreadyRunning)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig("")
	cfg.Sync.Mode = "sometimes"
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalid)
}
