package cli

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/getmockd/prock/pkg/cli/internal/output"
	"github.com/getmockd/prock/pkg/config"
	"github.com/getmockd/prock/pkg/logging"
	"github.com/getmockd/prock/pkg/routesync"
	"github.com/getmockd/prock/pkg/server"
	"github.com/getmockd/prock/pkg/store"
)

type serveFlags struct {
	configPath string
	listen     string
	upstream   string
	backend    string
	dataDir    string
	redisAddr  string
	syncMode   string
	seed       []string
	logLevel   string
	logFormat  string
}

func newServeCmd() *cobra.Command {
	return serveCommand(&serveFlags{})
}

func serveCommand(f *serveFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mock proxy",
		Long: `Run the mock proxy and its management API on one port.

Configuration is read from --config (or prock.yaml in the working directory),
then PROCK_* environment variables, then the flags given here.`,
		Example: `  # Forward to a local API and mock selected routes
  prock serve --upstream http://localhost:3000

  # Share routes between instances through Redis
  prock serve --store redis --redis-addr localhost:6379

  # Import route files at startup
  prock serve --seed 'mocks/**/*.yaml'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, used, err := f.resolve(cmd)
			if err != nil {
				return err
			}

			log := logging.FromStrings(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			if used != "" {
				log.Info("loaded configuration", "path", used)
			} else if !cmd.Flags().Changed("upstream") {
				output.Warn(cmd.ErrOrStderr(), "no configuration file found, forwarding to %s", cfg.UpstreamURL)
			}

			opts := []server.Option{
				server.WithLogger(log),
				server.WithVersion(Version),
			}
			if used != "" {
				opts = append(opts, server.WithBaseDir(filepath.Dir(used)))
			}
			srv, err := server.New(cfg, opts...)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "Path to a prock.yaml configuration file")
	fl.StringVarP(&f.listen, "listen", "l", config.DefaultListen, "Address to serve proxy and management traffic on")
	fl.StringVarP(&f.upstream, "upstream", "u", "", "Upstream URL that unmatched requests are forwarded to")
	fl.StringVar(&f.backend, "store", string(store.BackendMemory), "Store backend: memory, file or redis")
	fl.StringVar(&f.dataDir, "data-dir", "", "Data directory for the file store")
	fl.StringVar(&f.redisAddr, "redis-addr", "", "Redis address for the redis store")
	fl.StringVar(&f.syncMode, "sync-mode", string(routesync.ModeIncremental), "Route table sync mode: incremental or rebuild")
	fl.StringSliceVar(&f.seed, "seed", nil, "Route files to import at startup (doublestar globs, repeatable)")
	fl.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fl.StringVar(&f.logFormat, "log-format", "text", "Log format: text or json")
	return cmd
}

// resolve loads the configuration and applies explicitly set flags on top.
func (f *serveFlags) resolve(cmd *cobra.Command) (*config.Config, string, error) {
	cfg, used, err := config.Load(f.configPath)
	if err != nil {
		return nil, "", err
	}

	set := cmd.Flags().Changed
	if set("listen") {
		cfg.Listen = f.listen
	}
	if set("upstream") {
		cfg.UpstreamURL = f.upstream
	}
	if set("store") {
		cfg.Store.Backend = store.Backend(strings.ToLower(f.backend))
	}
	if set("data-dir") {
		cfg.Store.DataDir = f.dataDir
	}
	if set("redis-addr") {
		cfg.Store.Redis.Addr = f.redisAddr
	}
	if set("sync-mode") {
		cfg.Sync.Mode = routesync.Mode(strings.ToLower(f.syncMode))
	}
	if set("seed") {
		cfg.Seed = f.seed
	}
	if set("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if set("log-format") {
		cfg.Log.Format = f.logFormat
	}
	return cfg, used, cfg.Validate()
}
