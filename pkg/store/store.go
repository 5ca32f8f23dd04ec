// Package store provides the persistence layer for prock mock routes and the
// proxy configuration.
//
// Three backends implement Store:
//   - memory: process-local maps, no persistence
//   - file: a single JSON document under the data directory
//   - redis: a shared Redis hash, with change fan-out over pub/sub so that
//     several prock instances observe each other's mutations
//
// The data directory follows the XDG Base Directory Specification:
// ~/.local/share/prock on Linux.
package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/getmockd/prock/pkg/route"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrReadOnly      = errors.New("store is read-only")
	ErrClosed        = errors.New("store is closed")
)

// Backend represents a storage backend type.
type Backend string

const (
	// BackendMemory uses in-memory storage (no persistence)
	BackendMemory Backend = "memory"
	// BackendFile uses a JSON document on disk
	BackendFile Backend = "file"
	// BackendRedis uses a Redis server shared between instances
	BackendRedis Backend = "redis"
)

// Valid reports whether b names a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendMemory, BackendFile, BackendRedis:
		return true
	}
	return false
}

// Config holds store configuration.
type Config struct {
	// Backend specifies the storage backend to use
	Backend Backend `json:"backend" yaml:"backend"`

	// DataDir is the directory for the file backend.
	// Defaults to XDG_DATA_HOME/prock or ~/.local/share/prock
	DataDir string `json:"dataDir,omitempty" yaml:"dataDir,omitempty"`

	// ReadOnly prevents any write operations
	ReadOnly bool `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`

	// SaveDebounce delays file writes so bursts of mutations cost one write.
	SaveDebounce time.Duration `json:"saveDebounce,omitempty" yaml:"saveDebounce,omitempty"`

	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	// Prefix namespaces every key and the change channel.
	Prefix string `json:"prefix" yaml:"prefix"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Backend:      BackendMemory,
		DataDir:      DefaultDataDir(),
		SaveDebounce: 200 * time.Millisecond,
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "prock",
		},
	}
}

// DefaultDataDir returns the default data directory following XDG spec.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "prock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".prock", "data")
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "prock")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "prock")
		}
		return filepath.Join(home, "AppData", "Local", "prock")
	}
	return filepath.Join(home, ".local", "share", "prock")
}

// Store is the main interface for data persistence.
type Store interface {
	// Lifecycle
	Open(ctx context.Context) error
	Close() error

	Routes() RouteStore
	Config() ConfigStore
}

// RouteStore handles mock route persistence. Implementations return copies;
// mutating a returned record never changes stored state.
type RouteStore interface {
	// List returns every stored route, enabled or not.
	List(ctx context.Context) ([]*route.Record, error)

	// Get returns a single route by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*route.Record, error)

	// Create stores a new route. The ID must be set; ErrAlreadyExists is
	// returned when it is taken. CreatedAt and UpdatedAt are assigned.
	Create(ctx context.Context, r *route.Record) error

	// Update replaces an existing route, or returns ErrNotFound.
	// CreatedAt is preserved and UpdatedAt is bumped.
	Update(ctx context.Context, r *route.Record) error

	// Delete removes a route by ID, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
}

// ConfigStore holds the singleton proxy configuration.
type ConfigStore interface {
	// GetConfig returns the stored configuration, or ErrNotFound when none
	// was ever saved.
	GetConfig(ctx context.Context) (*route.ProckConfig, error)

	SaveConfig(ctx context.Context, cfg route.ProckConfig) error
}

// Watcher is implemented by backends that can report changes made by other
// processes sharing the same data. Changes made through this instance are
// not reported.
type Watcher interface {
	// Watch calls fn for every remote change until ctx is cancelled.
	// It returns once the subscription is established.
	Watch(ctx context.Context, fn ChangeListener) error
}

// Collections named in change events.
const (
	CollectionRoutes = "mock-routes"
	CollectionConfig = "config"
)

// Action is the kind of change a ChangeEvent reports.
type Action string

const (
	ActionCreated  Action = "created"
	ActionUpdated  Action = "updated"
	ActionEnabled  Action = "enabled"
	ActionDisabled Action = "disabled"
	ActionDeleted  Action = "deleted"
	// ActionReset means "anything may have changed": consumers rebuild.
	ActionReset Action = "reset"
)

// ChangeEvent represents a change to the store for sync/notifications.
type ChangeEvent struct {
	Collection string        `json:"collection"`
	Action     Action        `json:"action"`
	ID         string        `json:"id,omitempty"`
	Record     *route.Record `json:"record,omitempty"`
	// Origin identifies the store instance that made the change.
	Origin    string    `json:"origin,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewChangeEvent builds a route change event stamped with the current time.
func NewChangeEvent(action Action, id string, rec *route.Record) ChangeEvent {
	return ChangeEvent{
		Collection: CollectionRoutes,
		Action:     action,
		ID:         id,
		Record:     rec.Clone(),
		Timestamp:  time.Now(),
	}
}

// ChangeListener is called when data changes.
type ChangeListener func(event ChangeEvent)

// SortByCreated orders records by creation time, then ID, so every backend
// lists routes in the same stable order.
func SortByCreated(records []*route.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
