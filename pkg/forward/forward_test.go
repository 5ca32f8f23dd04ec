package forward

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpstream_NoTarget(t *testing.T) {
	u := NewUpstream(Config{})
	rec := httptest.NewRecorder()

	_, err := u.Forward(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.ErrorIs(t, err, ErrNoUpstream)
	assert.Equal(t, "", u.UpstreamURL())
}

func TestUpstream_SetUpstream_Invalid(t *testing.T) {
	u := NewUpstream(Config{})
	assert.Error(t, u.SetUpstream("not a url"))
	assert.Error(t, u.SetUpstream("ftp://host"))
	assert.Equal(t, "", u.UpstreamURL())
}

func TestUpstream_ForwardsVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Seen-Path", r.URL.Path)
		w.Header().Set("X-Seen-Query", r.URL.RawQuery)
		w.Header().Set("X-Seen-Forwarded", r.Header.Get("X-Forwarded-For"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(append([]byte("echo:"), body...))
	}))
	defer upstream.Close()

	u := NewUpstream(Config{})
	require.NoError(t, u.SetUpstream(upstream.URL+"/base"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := u.Forward(w, r)
		assert.NoError(t, err)
		assert.Equal(t, upstream.URL+"/base/users?page=2", res.UpstreamURL)
	}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/users?page=2", "text/plain", strings.NewReader("hi"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "echo:hi", string(body))
	assert.Equal(t, "/base/users", resp.Header.Get("X-Seen-Path"))
	assert.Equal(t, "page=2", resp.Header.Get("X-Seen-Query"))
	assert.NotEmpty(t, resp.Header.Get("X-Seen-Forwarded"))
}

func TestUpstream_TransportErrorIsReturnedNotWritten(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.URL
	dead.Close()

	u := NewUpstream(Config{DialTimeout: time.Second})
	require.NoError(t, u.SetUpstream(addr))

	rec := httptest.NewRecorder()
	_, err := u.Forward(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Error(t, err)
	assert.Equal(t, 0, rec.Body.Len(), "nothing written on failure")
}

func TestUpstream_CancelledRequest(t *testing.T) {
	started := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	u := NewUpstream(Config{})
	require.NoError(t, u.SetUpstream(upstream.URL))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx)
	go func() {
		<-started
		cancel()
	}()

	_, err := u.Forward(httptest.NewRecorder(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpstream_SwapTarget(t *testing.T) {
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "a") }))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "b") }))
	defer b.Close()

	u := NewUpstream(Config{})
	require.NoError(t, u.SetUpstream(a.URL))

	rec := httptest.NewRecorder()
	_, err := u.Forward(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Body.String())

	require.NoError(t, u.SetUpstream(b.URL))
	assert.Equal(t, b.URL, u.UpstreamURL())
	rec = httptest.NewRecorder()
	_, err = u.Forward(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "b", rec.Body.String())
}

func TestJoinURL(t *testing.T) {
	base, _ := url.Parse("http://up:9000/api/?k=v")
	in, _ := url.Parse("/users?x=1")
	assert.Equal(t, "http://up:9000/api/users?k=v&x=1", joinURL(base, in).String())

	base, _ = url.Parse("http://up:9000")
	assert.Equal(t, "http://up:9000/users?x=1", joinURL(base, in).String())
}

