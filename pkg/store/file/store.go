// Package file provides a file-based implementation of store.Store.
// Routes and the proxy configuration live in a single JSON document,
// data.json, under the configured data directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/prock/pkg/logging"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/store"
)

// Current data format version for migration support
const dataVersion = 1

const dataFileName = "data.json"

// FileStore implements store.Store using a JSON file.
type FileStore struct {
	cfg          store.Config
	mu           sync.RWMutex
	data         *storeData
	dirty        atomic.Bool
	saving       sync.Mutex
	saveDebounce time.Duration
	saveCh       chan struct{}
	closeCh      chan struct{}
	closeOnce    sync.Once
	closedCh     chan struct{} // signals when saveLoop has exited
	log          *slog.Logger
}

// storeData holds all persisted data.
type storeData struct {
	Version int                `json:"version"`
	Routes  []*route.Record    `json:"routes,omitempty"`
	Config  *route.ProckConfig `json:"config,omitempty"`
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the logger used for background save failures.
func WithLogger(log *slog.Logger) Option {
	return func(s *FileStore) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a new FileStore with the given configuration. Open must be
// called before use.
func New(cfg store.Config, opts ...Option) *FileStore {
	if cfg.DataDir == "" {
		cfg.DataDir = store.DefaultDataDir()
	}
	fs := &FileStore{
		cfg:          cfg,
		data:         &storeData{Version: dataVersion},
		saveDebounce: cfg.SaveDebounce,
		saveCh:       make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
		closedCh:     make(chan struct{}),
		log:          logging.Nop(),
	}
	for _, opt := range opts {
		opt(fs)
	}
	go fs.saveLoop()
	return fs
}

// saveLoop handles debounced saving to prevent excessive disk writes.
func (s *FileStore) saveLoop() {
	defer close(s.closedCh)
	var timer *time.Timer
	for {
		select {
		case <-s.saveCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.saveDebounce, func() {
				if s.dirty.Load() {
					if err := s.doSave(); err != nil {
						s.log.Error("failed to save store data", "error", err)
					}
				}
			})
		case <-s.closeCh:
			if timer != nil {
				timer.Stop()
			}
			// Final save on close
			if s.dirty.Load() {
				if err := s.doSave(); err != nil {
					s.log.Error("failed to save store data on close", "error", err)
				}
			}
			return
		}
	}
}

// Open creates the data directory and loads data from disk.
func (s *FileStore) Open(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return s.load()
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.data = &storeData{Version: dataVersion}
			return nil
		}
		return fmt.Errorf("read %s: %w", dataFileName, err)
	}

	var stored storeData
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("decode %s: %w", dataFileName, err)
	}

	stored.Version = dataVersion
	s.data = &stored
	s.dirty.Store(false)
	return nil
}

// Close saves any pending changes and stops the save loop. Safe to call
// multiple times.
func (s *FileStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	<-s.closedCh
	return nil
}

func (s *FileStore) path() string {
	return filepath.Join(s.cfg.DataDir, dataFileName)
}

// doSave performs the actual save operation with atomic write.
func (s *FileStore) doSave() error {
	s.saving.Lock()
	defer s.saving.Unlock()

	if s.cfg.ReadOnly {
		return store.ErrReadOnly
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(s.data, "", "  ")
	s.dirty.Store(false)
	s.mu.RUnlock()
	if err != nil {
		s.dirty.Store(true)
		return err
	}

	// Atomic write: write to temp file, then rename
	tmpFile := s.path() + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		s.dirty.Store(true)
		return err
	}
	if err := os.Rename(tmpFile, s.path()); err != nil {
		_ = os.Remove(tmpFile)
		s.dirty.Store(true)
		return err
	}
	return nil
}

// markDirty marks data as needing to be saved. Callers hold s.mu.
func (s *FileStore) markDirty() {
	s.dirty.Store(true)
	select {
	case s.saveCh <- struct{}{}:
	default:
		// save already pending
	}
}

// ForceSave immediately saves data to disk.
func (s *FileStore) ForceSave() error {
	s.dirty.Store(true)
	return s.doSave()
}

// DataDir returns the data directory path.
func (s *FileStore) DataDir() string {
	return s.cfg.DataDir
}

// Routes returns the route store.
func (s *FileStore) Routes() store.RouteStore {
	return &routeStore{fs: s}
}

// Config returns the config store.
func (s *FileStore) Config() store.ConfigStore {
	return &configStore{fs: s}
}

// routeStore implements store.RouteStore for file-based storage.
type routeStore struct {
	fs *FileStore
}

func (r *routeStore) List(ctx context.Context) ([]*route.Record, error) {
	r.fs.mu.RLock()
	defer r.fs.mu.RUnlock()

	result := make([]*route.Record, 0, len(r.fs.data.Routes))
	for _, rec := range r.fs.data.Routes {
		result = append(result, rec.Clone())
	}
	store.SortByCreated(result)
	return result, nil
}

func (r *routeStore) Get(ctx context.Context, id string) (*route.Record, error) {
	r.fs.mu.RLock()
	defer r.fs.mu.RUnlock()

	if i := r.indexOf(id); i >= 0 {
		return r.fs.data.Routes[i].Clone(), nil
	}
	return nil, store.ErrNotFound
}

func (r *routeStore) Create(ctx context.Context, rec *route.Record) error {
	if rec == nil || rec.ID == "" {
		return store.ErrInvalidID
	}
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	if r.fs.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	if r.indexOf(rec.ID) >= 0 {
		return store.ErrAlreadyExists
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	r.fs.data.Routes = append(r.fs.data.Routes, rec.Clone())
	r.fs.markDirty()
	return nil
}

func (r *routeStore) Update(ctx context.Context, rec *route.Record) error {
	if rec == nil || rec.ID == "" {
		return store.ErrInvalidID
	}
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	if r.fs.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	i := r.indexOf(rec.ID)
	if i < 0 {
		return store.ErrNotFound
	}

	rec.CreatedAt = r.fs.data.Routes[i].CreatedAt
	rec.UpdatedAt = time.Now()
	r.fs.data.Routes[i] = rec.Clone()
	r.fs.markDirty()
	return nil
}

func (r *routeStore) Delete(ctx context.Context, id string) error {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	if r.fs.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	i := r.indexOf(id)
	if i < 0 {
		return store.ErrNotFound
	}

	r.fs.data.Routes = append(r.fs.data.Routes[:i], r.fs.data.Routes[i+1:]...)
	r.fs.markDirty()
	return nil
}

// indexOf returns the slice index of id or -1. Callers hold fs.mu.
func (r *routeStore) indexOf(id string) int {
	for i, rec := range r.fs.data.Routes {
		if rec.ID == id {
			return i
		}
	}
	return -1
}

// configStore implements store.ConfigStore for file-based storage.
type configStore struct {
	fs *FileStore
}

func (c *configStore) GetConfig(ctx context.Context) (*route.ProckConfig, error) {
	c.fs.mu.RLock()
	defer c.fs.mu.RUnlock()

	if c.fs.data.Config == nil {
		return nil, store.ErrNotFound
	}
	cfg := *c.fs.data.Config
	return &cfg, nil
}

func (c *configStore) SaveConfig(ctx context.Context, cfg route.ProckConfig) error {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	if c.fs.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	c.fs.data.Config = &cfg
	c.fs.markDirty()
	return nil
}

// Ensure FileStore implements store.Store.
var _ store.Store = (*FileStore)(nil)
