package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/getmockd/prock/pkg/routesync"
	"github.com/getmockd/prock/pkg/store"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, store.BackendMemory, cfg.Store.Backend)
	assert.Equal(t, routesync.ModeIncremental, cfg.Sync.Mode)
	assert.Zero(t, cfg.Sync.Debounce)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prock.yaml")
	t.Setenv("TEST_UPSTREAM_PORT", "9999")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":5000"
upstreamUrl: "http://localhost:${TEST_UPSTREAM_PORT}"
store:
  backend: redis
  redis:
    addr: "redis:6379"
    db: 2
sync:
  mode: rebuild
  debounce: 250ms
seed:
  - "mocks/**/*.yaml"
server:
  shutdownTimeout: 3s
log:
  level: debug
  format: json
`), 0o644))

	cfg, used, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, ":5000", cfg.Listen)
	assert.Equal(t, "http://localhost:9999", cfg.UpstreamURL)
	assert.Equal(t, store.BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 2, cfg.Store.Redis.DB)
	assert.Equal(t, "prock", cfg.Store.Redis.Prefix, "unset fields keep defaults")
	assert.Equal(t, routesync.ModeRebuild, cfg.Sync.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.Debounce)
	assert.Equal(t, []string{"mocks/**/*.yaml"}, cfg.Seed)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, ErrFileNotFound)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("listen: [oops"), 0o644))
	_, _, err = Load(bad)
	require.ErrorIs(t, err, ErrInvalidYAML)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("lsiten: \":1\"\n"), 0o644))
	_, _, err = Load(unknown)
	require.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoad_DiscoversWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile("prock.yml", []byte("listen: \":7000\"\n"), 0o644))

	cfg, used, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "prock.yml", filepath.Base(used))
}

func TestLoad_NoFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, used, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, DefaultListen, cfg.Listen)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PROCK_LISTEN":          ":6000",
		"PROCK_UPSTREAM_URL":    "https://api.example.com",
		"PROCK_STORE_BACKEND":   "FILE",
		"PROCK_DATA_DIR":        "/var/lib/prock",
		"PROCK_SYNC_MODE":       "rebuild",
		"PROCK_WEBHOOK_URL":     "http://hooks.local/prock",
		"PROCK_LOG_LEVEL":       "warn",
		"PROCK_REDIS_DB":        "3",
		"PROCK_REDIS_PASSWORD":  "secret",
		"PROCK_UNRELATED_THING": "x",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, ":6000", cfg.Listen)
	assert.Equal(t, "https://api.example.com", cfg.UpstreamURL)
	assert.Equal(t, store.BackendFile, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/prock", cfg.Store.DataDir)
	assert.Equal(t, routesync.ModeRebuild, cfg.Sync.Mode)
	assert.Equal(t, "http://hooks.local/prock", cfg.Events.WebhookURL)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Store.Redis.DB)
	assert.Equal(t, "secret", cfg.Store.Redis.Password)

	env["PROCK_REDIS_DB"] = "three"
	require.ErrorIs(t, Default().ApplyEnv(lookup), ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"bad upstream scheme", func(c *Config) { c.UpstreamURL = "ftp://x" }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"redis without addr", func(c *Config) { c.Store.Backend = store.BackendRedis; c.Store.Redis.Addr = "" }},
		{"unknown sync mode", func(c *Config) { c.Sync.Mode = "eventual" }},
		{"negative debounce", func(c *Config) { c.Sync.Debounce = -time.Second }},
		{"negative buffer", func(c *Config) { c.Events.BufferSize = -1 }},
		{"bad webhook", func(c *Config) { c.Events.WebhookURL = "not a url" }},
		{"negative request log", func(c *Config) { c.RequestLog.MaxEntries = -5 }},
		{"rate without burst", func(c *Config) { c.Admin.Burst = 0 }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"negative timeout", func(c *Config) { c.Forward.Timeout = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Listen = ""
	cfg.Sync.Mode = "nope"
	cfg.Store.Backend = "nope"
	assert.Len(t, multierr.Errors(cfg.Validate()), 3)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("PROCK_TEST_SET", "value")
	assert.Equal(t, "a=value", ExpandEnvVars("a=${PROCK_TEST_SET}"))
	assert.Equal(t, "b=fallback", ExpandEnvVars("b=${PROCK_TEST_UNSET:-fallback}"))
	assert.Equal(t, "c=", ExpandEnvVars("c=${PROCK_TEST_UNSET}"))
	assert.Equal(t, "d=$PLAIN", ExpandEnvVars("d=$PLAIN"))
}
