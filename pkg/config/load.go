package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/getmockd/prock/pkg/routesync"
	"github.com/getmockd/prock/pkg/store"
)

// DiscoveryOrder lists the file names looked up in the working directory
// when no path is given.
var DiscoveryOrder = []string{"prock.yaml", "prock.yml"}

var (
	// ErrFileNotFound is returned when an explicit config path does not exist.
	ErrFileNotFound = errors.New("configuration file not found")
	// ErrInvalidYAML wraps YAML syntax and type errors.
	ErrInvalidYAML = errors.New("invalid YAML")
)

// Load builds a Config from defaults, the file at path (or a discovered
// prock.yaml when path is empty) and the environment. It returns the file
// actually read, or "" when none was.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	if path == "" {
		path = Discover()
	} else if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, "", fmt.Errorf("stat %s: %w", path, err)
	}

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, "", err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// Discover returns the first DiscoveryOrder file present in the working
// directory, or "".
func Discover() string {
	for _, name := range DiscoveryOrder {
		if info, err := os.Stat(name); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(name)
			if err != nil {
				return name
			}
			return abs
		}
	}
	return ""
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(strings.NewReader(ExpandEnvVars(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("%w in %s: %v", ErrInvalidYAML, path, err)
	}
	return nil
}

// ApplyEnv overrides fields from PROCK_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("PROCK_LISTEN", &c.Listen)
	str("PROCK_UPSTREAM_URL", &c.UpstreamURL)
	str("PROCK_DATA_DIR", &c.Store.DataDir)
	str("PROCK_REDIS_ADDR", &c.Store.Redis.Addr)
	str("PROCK_REDIS_PASSWORD", &c.Store.Redis.Password)
	str("PROCK_WEBHOOK_URL", &c.Events.WebhookURL)
	str("PROCK_LOG_LEVEL", &c.Log.Level)
	str("PROCK_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("PROCK_STORE_BACKEND"); ok && v != "" {
		c.Store.Backend = store.Backend(strings.ToLower(v))
	}
	if v, ok := lookup("PROCK_SYNC_MODE"); ok && v != "" {
		c.Sync.Mode = routesync.Mode(strings.ToLower(v))
	}
	if v, ok := lookup("PROCK_REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PROCK_REDIS_DB: %v", ErrInvalid, err)
		}
		c.Store.Redis.DB = db
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnvVars expands ${VAR} and ${VAR:-default} references. Unset
// variables without a default expand to "".
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if val := os.Getenv(sub[1]); val != "" {
			return val
		}
		return sub[2]
	})
}
