package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_Allow(t *testing.T) {
	l := New(1, 2)
	defer l.Stop()

	assert.True(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("1.1.1.1"))
	assert.False(t, l.Allow("1.1.1.1"), "burst exhausted")
	assert.True(t, l.Allow("2.2.2.2"), "clients are independent")
	assert.Equal(t, 2, l.Len())
}

func TestLimiter_RemoveIdle(t *testing.T) {
	l := New(1, 1)
	defer l.Stop()

	l.Allow("1.1.1.1")
	l.removeIdle(time.Now().Add(time.Second))
	assert.Equal(t, 0, l.Len())
}

func TestLimiter_Middleware(t *testing.T) {
	var rejected atomic.Int32
	l := New(0.001, 1, WithRejectHook(func(string) { rejected.Add(1) }))
	defer l.Stop()

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/mock-routes", nil)
		r.RemoteAddr = "10.1.1.1:1234"
		h.ServeHTTP(rec, r)
		return rec
	}

	first := do()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	second := do()
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "rate_limit_exceeded")
	assert.Equal(t, int32(1), rejected.Load())
}

func TestLimiter_StopIdempotent(t *testing.T) {
	l := New(0, 0)
	l.Stop()
	l.Stop()
}
