// Package redis provides a Redis-backed implementation of store.Store.
//
// Routes live in one hash ({prefix}:routes, field = route id, value = JSON
// record); the proxy configuration is a plain key ({prefix}:config). Every
// mutation is published on {prefix}:changes so other prock instances sharing
// the server can keep their route tables in step via Watch.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/getmockd/prock/internal/id"
	"github.com/getmockd/prock/pkg/logging"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/store"
)

// maxTxRetries bounds optimistic-lock retries for Update.
const maxTxRetries = 5

// Store implements store.Store on Redis.
type Store struct {
	client    *goredis.Client
	prefix    string
	origin    string
	readOnly  bool
	log       *slog.Logger
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a Store that dials cfg.Redis.Addr.
func New(cfg store.Config, opts ...Option) *Store {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return NewWithClient(client, cfg, opts...)
}

// NewWithClient wraps an existing client. The Store owns the client and
// closes it on Close.
func NewWithClient(client *goredis.Client, cfg store.Config, opts ...Option) *Store {
	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "prock"
	}
	s := &Store{
		client:   client,
		prefix:   prefix,
		origin:   id.Short(),
		readOnly: cfg.ReadOnly,
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) routesKey() string { return s.prefix + ":routes" }
func (s *Store) configKey() string { return s.prefix + ":config" }
func (s *Store) channel() string   { return s.prefix + ":changes" }

// Origin returns the identifier stamped on change events this instance publishes.
func (s *Store) Origin() string { return s.origin }

// Open verifies the server is reachable.
func (s *Store) Open(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", s.client.Options().Addr, err)
	}
	return nil
}

// Close releases the client. Safe to call multiple times.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.client.Close()
	})
	return err
}

// Routes returns the route store.
func (s *Store) Routes() store.RouteStore { return &routeStore{s: s} }

// Config returns the config store.
func (s *Store) Config() store.ConfigStore { return &configStore{s: s} }

// publish announces a change. Failures are logged; the write already happened.
func (s *Store) publish(ctx context.Context, ev store.ChangeEvent) {
	ev.Origin = s.origin
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("failed to encode change event", "id", ev.ID, "error", err)
		return
	}
	if err := s.client.Publish(ctx, s.channel(), data).Err(); err != nil {
		s.log.Warn("failed to publish change event", "id", ev.ID, "error", err)
	}
}

// Watch subscribes to changes published by other instances. Events this
// instance published are skipped.
func (s *Store) Watch(ctx context.Context, fn store.ChangeListener) error {
	ps := s.client.Subscribe(ctx, s.channel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", s.channel(), err)
	}

	ch := ps.Channel()
	go func() {
		defer func() { _ = ps.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev store.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.log.Warn("ignoring malformed change event", "error", err)
					continue
				}
				if ev.Origin == s.origin {
					continue
				}
				s.dispatch(fn, ev)
			}
		}
	}()
	return nil
}

func (s *Store) dispatch(fn store.ChangeListener, ev store.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("change listener panicked", "id", ev.ID, "panic", r)
		}
	}()
	fn(ev)
}

type routeStore struct {
	s *Store
}

func (r *routeStore) List(ctx context.Context) ([]*route.Record, error) {
	all, err := r.s.client.HGetAll(ctx, r.s.routesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}

	result := make([]*route.Record, 0, len(all))
	for field, raw := range all {
		var rec route.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.s.log.Warn("skipping undecodable route", "id", field, "error", err)
			continue
		}
		result = append(result, &rec)
	}
	store.SortByCreated(result)
	return result, nil
}

func (r *routeStore) Get(ctx context.Context, id string) (*route.Record, error) {
	raw, err := r.s.client.HGet(ctx, r.s.routesKey(), id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get route %s: %w", id, err)
	}
	var rec route.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode route %s: %w", id, err)
	}
	return &rec, nil
}

func (r *routeStore) Create(ctx context.Context, rec *route.Record) error {
	if rec == nil || rec.ID == "" {
		return store.ErrInvalidID
	}
	if r.s.readOnly {
		return store.ErrReadOnly
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode route %s: %w", rec.ID, err)
	}
	ok, err := r.s.client.HSetNX(ctx, r.s.routesKey(), rec.ID, data).Result()
	if err != nil {
		return fmt.Errorf("create route %s: %w", rec.ID, err)
	}
	if !ok {
		return store.ErrAlreadyExists
	}

	r.s.publish(ctx, store.NewChangeEvent(store.ActionCreated, rec.ID, rec))
	return nil
}

func (r *routeStore) Update(ctx context.Context, rec *route.Record) error {
	if rec == nil || rec.ID == "" {
		return store.ErrInvalidID
	}
	if r.s.readOnly {
		return store.ErrReadOnly
	}

	key := r.s.routesKey()
	action := store.ActionUpdated
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.HGet(ctx, key, rec.ID).Bytes()
		if errors.Is(err, goredis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var existing route.Record
		if err := json.Unmarshal(raw, &existing); err != nil {
			return fmt.Errorf("decode route %s: %w", rec.ID, err)
		}

		rec.CreatedAt = existing.CreatedAt
		rec.UpdatedAt = time.Now()
		action = changeAction(&existing, rec)

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, rec.ID, data)
			return nil
		})
		return err
	}

	var err error
	for range maxTxRetries {
		err = r.s.client.Watch(ctx, txf, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("update route %s: %w", rec.ID, err)
	}

	r.s.publish(ctx, store.NewChangeEvent(action, rec.ID, rec))
	return nil
}

// changeAction reports enabled/disabled when only the flag flipped.
func changeAction(before, after *route.Record) store.Action {
	if before.Enabled == after.Enabled {
		return store.ActionUpdated
	}
	b, a := *before, *after
	b.Enabled, a.Enabled = false, false
	b.UpdatedAt, a.UpdatedAt = time.Time{}, time.Time{}
	if b != a {
		return store.ActionUpdated
	}
	if after.Enabled {
		return store.ActionEnabled
	}
	return store.ActionDisabled
}

func (r *routeStore) Delete(ctx context.Context, id string) error {
	if r.s.readOnly {
		return store.ErrReadOnly
	}
	n, err := r.s.client.HDel(ctx, r.s.routesKey(), id).Result()
	if err != nil {
		return fmt.Errorf("delete route %s: %w", id, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}

	r.s.publish(ctx, store.NewChangeEvent(store.ActionDeleted, id, nil))
	return nil
}

type configStore struct {
	s *Store
}

func (c *configStore) GetConfig(ctx context.Context) (*route.ProckConfig, error) {
	raw, err := c.s.client.Get(ctx, c.s.configKey()).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	var cfg route.ProckConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (c *configStore) SaveConfig(ctx context.Context, cfg route.ProckConfig) error {
	if c.s.readOnly {
		return store.ErrReadOnly
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := c.s.client.Set(ctx, c.s.configKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	c.s.publish(ctx, store.ChangeEvent{
		Collection: store.CollectionConfig,
		Action:     store.ActionUpdated,
		Timestamp:  time.Now(),
	})
	return nil
}

var (
	_ store.Store   = (*Store)(nil)
	_ store.Watcher = (*Store)(nil)
)
