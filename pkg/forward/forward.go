// Package forward relays requests that no mock route answers to the real
// upstream service.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/getmockd/prock/pkg/logging"
	"github.com/getmockd/prock/pkg/route"
)

// ErrNoUpstream is returned when no upstream URL has been configured.
var ErrNoUpstream = errors.New("no upstream configured")

// Result describes a forwarded exchange.
type Result struct {
	// UpstreamURL is the full URL the request was sent to.
	UpstreamURL string
}

// Forwarder sends a request to the upstream and streams the response to w.
// On error nothing may have been written, or the response may be partial;
// callers inspect w to tell which.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request) (Result, error)
}

// Config tunes the upstream transport.
type Config struct {
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	DialTimeout time.Duration `json:"dialTimeout" yaml:"dialTimeout"`
}

// DefaultConfig returns transport defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		DialTimeout: 5 * time.Second,
	}
}

type errKey struct{}

type target struct {
	url   *url.URL
	proxy *httputil.ReverseProxy
}

// Upstream is a Forwarder backed by httputil.ReverseProxy. The target can
// be swapped at runtime; requests already in flight finish against the old
// target.
type Upstream struct {
	cfg       Config
	transport *http.Transport
	current   atomic.Pointer[target]
	log       *slog.Logger
}

// Option configures an Upstream.
type Option func(*Upstream)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(u *Upstream) {
		if log != nil {
			u.log = log
		}
	}
}

// NewUpstream creates an Upstream with no target.
func NewUpstream(cfg Config, opts ...Option) *Upstream {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	u := &Upstream{
		cfg: cfg,
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
			ExpectContinueTimeout: 1 * time.Second,
		},
		log: logging.Nop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// SetUpstream validates raw and makes it the target for new requests.
func (u *Upstream) SetUpstream(raw string) error {
	if err := (route.ProckConfig{UpstreamURL: raw}).Validate(); err != nil {
		return err
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse upstream: %w", err)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(parsed)
			pr.SetXForwarded()
		},
		Transport: u.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if p, ok := r.Context().Value(errKey{}).(*error); ok {
				*p = err
			}
		},
		ErrorLog: slog.NewLogLogger(u.log.Handler(), slog.LevelDebug),
	}
	u.current.Store(&target{url: parsed, proxy: proxy})
	u.log.Info("upstream set", "url", parsed.String())
	return nil
}

// UpstreamURL returns the configured target, or "".
func (u *Upstream) UpstreamURL() string {
	if t := u.current.Load(); t != nil {
		return t.url.String()
	}
	return ""
}

// Forward relays r to the current target. Cancellation of r's context
// aborts the upstream call. Transport failures are returned, never written.
func (u *Upstream) Forward(w http.ResponseWriter, r *http.Request) (Result, error) {
	t := u.current.Load()
	if t == nil {
		return Result{}, ErrNoUpstream
	}

	res := Result{UpstreamURL: joinURL(t.url, r.URL).String()}

	var fwdErr error
	ctx := context.WithValue(r.Context(), errKey{}, &fwdErr)
	t.proxy.ServeHTTP(w, r.WithContext(ctx))

	if fwdErr != nil {
		return res, fmt.Errorf("forward to %s: %w", t.url.Host, fwdErr)
	}
	return res, nil
}

// joinURL mirrors ProxyRequest.SetURL for reporting purposes.
func joinURL(base, in *url.URL) *url.URL {
	out := *base
	out.Path, out.RawPath = joinPath(base, in)
	switch {
	case base.RawQuery == "" || in.RawQuery == "":
		out.RawQuery = base.RawQuery + in.RawQuery
	default:
		out.RawQuery = base.RawQuery + "&" + in.RawQuery
	}
	return &out
}

func joinPath(a, b *url.URL) (path, rawpath string) {
	if a.RawPath == "" && b.RawPath == "" {
		return singleJoiningSlash(a.Path, b.Path), ""
	}
	apath := a.EscapedPath()
	bpath := b.EscapedPath()
	aslash := len(apath) > 0 && apath[len(apath)-1] == '/'
	bslash := len(bpath) > 0 && bpath[0] == '/'

	switch {
	case aslash && bslash:
		return a.Path + b.Path[1:], apath + bpath[1:]
	case !aslash && !bslash:
		return a.Path + "/" + b.Path, apath + "/" + bpath
	}
	return a.Path + b.Path, apath + bpath
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

var _ Forwarder = (*Upstream)(nil)
