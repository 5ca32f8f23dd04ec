// Package ratelimit implements per-client-IP token buckets on
// golang.org/x/time/rate, with an HTTP middleware that answers 429 when a
// client runs dry.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/getmockd/prock/pkg/httputil"
)

// DefaultRateLimit is the default requests per second limit.
const DefaultRateLimit float64 = 100

// DefaultBurstSize is the default burst size.
const DefaultBurstSize int = 200

// DefaultCleanupInterval is how often idle clients are forgotten.
const DefaultCleanupInterval = 1 * time.Minute

// DefaultEntryTTL is how long a client entry lives without activity.
const DefaultEntryTTL = 3 * time.Minute

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per client IP.
type Limiter struct {
	limit      rate.Limit
	burst      int
	trustProxy bool
	onReject   func(ip string)

	mu      sync.Mutex
	clients map[string]*client

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTrustProxy takes the client IP from X-Forwarded-For.
func WithTrustProxy(trust bool) Option {
	return func(l *Limiter) { l.trustProxy = trust }
}

// WithRejectHook is called for every rejected request.
func WithRejectHook(fn func(ip string)) Option {
	return func(l *Limiter) { l.onReject = fn }
}

// New creates a Limiter allowing rps requests per second per client with
// the given burst, and starts its cleanup goroutine.
func New(rps float64, burst int, opts ...Option) *Limiter {
	if rps <= 0 {
		rps = DefaultRateLimit
	}
	if burst <= 0 {
		burst = DefaultBurstSize
	}
	l := &Limiter{
		limit:     rate.Limit(rps),
		burst:     burst,
		clients:   make(map[string]*client),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// Allow reports whether ip may make a request now.
func (l *Limiter) Allow(ip string) bool {
	return l.get(ip).Allow()
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()
	defer close(l.stoppedCh)

	for {
		select {
		case <-ticker.C:
			l.removeIdle(time.Now().Add(-DefaultEntryTTL))
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) removeIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Stop stops the cleanup goroutine. Safe to call multiple times.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.stoppedCh
}

// Middleware enforces the limit and sets X-RateLimit-* headers.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httputil.ClientIP(r, l.trustProxy)
		lim := l.get(ip)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.burst))
		if !lim.Allow() {
			retry := lim.Reserve()
			delay := retry.Delay()
			retry.Cancel()

			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(delay.Seconds())))))
			if l.onReject != nil {
				l.onReject(ip)
			}
			httputil.WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests, retry later")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(lim.Tokens())))
		next.ServeHTTP(w, r)
	})
}
