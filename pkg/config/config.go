// Package config loads the prock process configuration.
//
// Values are resolved in order: built-in defaults, then the YAML file, then
// PROCK_* environment variables, then command-line flags (applied by the
// caller after Load).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/multierr"

	"github.com/getmockd/prock/pkg/events"
	"github.com/getmockd/prock/pkg/forward"
	"github.com/getmockd/prock/pkg/logging"
	"github.com/getmockd/prock/pkg/ratelimit"
	"github.com/getmockd/prock/pkg/requestlog"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/routesync"
	"github.com/getmockd/prock/pkg/store"
)

// DefaultListen is the default proxy and management address.
const DefaultListen = ":4280"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete process configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	UpstreamURL string `yaml:"upstreamUrl"`

	Store      store.Config     `yaml:"store"`
	Sync       routesync.Config `yaml:"sync"`
	Events     EventsConfig     `yaml:"events"`
	RequestLog RequestLogConfig `yaml:"requestLog"`
	Admin      AdminConfig      `yaml:"admin"`
	Seed       []string         `yaml:"seed"`
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Forward    forward.Config   `yaml:"forward"`
}

// EventsConfig configures the event emitter and the optional webhook.
type EventsConfig struct {
	BufferSize  int     `yaml:"bufferSize"`
	WebhookURL  string  `yaml:"webhookUrl"`
	WebhookRate float64 `yaml:"webhookRate"`
}

// RequestLogConfig bounds the in-memory request history.
type RequestLogConfig struct {
	MaxEntries int `yaml:"maxEntries"`
}

// AdminConfig configures the management API.
type AdminConfig struct {
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit  float64 `yaml:"rateLimit"`
	Burst      int     `yaml:"burst"`
	TrustProxy bool    `yaml:"trustProxy"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Listen:      DefaultListen,
		UpstreamURL: "http://localhost:3000",
		Store:       store.DefaultConfig(),
		Sync: routesync.Config{
			Mode:      routesync.ModeIncremental,
			QueueSize: routesync.DefaultQueueSize,
		},
		Events: EventsConfig{
			BufferSize:  events.DefaultBufferSize,
			WebhookRate: 5,
		},
		RequestLog: RequestLogConfig{MaxEntries: requestlog.DefaultMaxEntries},
		Admin: AdminConfig{
			RateLimit: ratelimit.DefaultRateLimit,
			Burst:     ratelimit.DefaultBurstSize,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Forward: forward.DefaultConfig(),
	}
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Listen == "" {
		add("listen address is required")
	}
	if c.UpstreamURL != "" {
		if err := (route.ProckConfig{UpstreamURL: c.UpstreamURL}).Validate(); err != nil {
			add("%v", err)
		}
	}
	if !c.Store.Backend.Valid() {
		add("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == store.BackendRedis && c.Store.Redis.Addr == "" {
		add("store.redis.addr is required for the redis backend")
	}
	if !c.Sync.Mode.Valid() {
		add("unknown sync mode %q", c.Sync.Mode)
	}
	if c.Sync.Debounce < 0 {
		add("sync.debounce must not be negative")
	}
	if c.Sync.QueueSize < 0 {
		add("sync.queueSize must not be negative")
	}
	if c.Events.BufferSize < 0 {
		add("events.bufferSize must not be negative")
	}
	if c.Events.WebhookURL != "" {
		if u, err := url.Parse(c.Events.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("events.webhookUrl must be an http(s) URL")
		}
		if c.Events.WebhookRate <= 0 {
			add("events.webhookRate must be positive")
		}
	}
	if c.RequestLog.MaxEntries < 0 {
		add("requestLog.maxEntries must not be negative")
	}
	if c.Admin.RateLimit < 0 || c.Admin.Burst < 0 {
		add("admin.rateLimit and admin.burst must not be negative")
	}
	if c.Admin.RateLimit > 0 && c.Admin.Burst == 0 {
		add("admin.burst must be positive when rate limiting is enabled")
	}
	switch c.Log.Format {
	case "", string(logging.FormatText), string(logging.FormatJSON):
	default:
		add("unknown log format %q", c.Log.Format)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		add("server timeouts must not be negative")
	}
	if c.Forward.Timeout < 0 || c.Forward.DialTimeout < 0 {
		add("forward timeouts must not be negative")
	}
	return errs
}
