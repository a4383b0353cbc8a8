// Package main implements the arcache CLI for inspecting configuration and
// maintaining the persisted experience memory.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/arcache/internal/config"
	"github.com/fyrsmithlabs/arcache/internal/logging"
	"github.com/fyrsmithlabs/arcache/internal/services"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	storagePath string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "arcache",
		Short: "Adaptive retrieval cache maintenance tool",
		Long: `arcache inspects configuration and maintains the experience memory
used by the adaptive retrieval cache.

Configuration is read from an optional YAML file and ARCACHE_* environment
variables (for example ARCACHE_LEARNING_MAX_MEMORY_ENTRIES=50).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&flags.storagePath, "db", "", "SQLite memory database (overrides storage settings)")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log at debug level")

	cmd.AddCommand(newConfigCmd(flags))
	cmd.AddCommand(newMemoryCmd(flags))
	return cmd
}

// loadConfig reads configuration and applies flag overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	return applyOverrides(flags, cfg)
}

// applyOverrides layers the global flags over a loaded configuration.
func applyOverrides(flags *globalFlags, cfg *config.Config) (*config.Config, error) {
	if flags.storagePath != "" {
		cfg.Storage.Driver = config.DriverSQLite
		cfg.Storage.Path = flags.storagePath
	}
	if flags.verbose {
		cfg.Logging.Level = "debug"
	}
	// Maintenance commands never run background cleanup.
	cfg.Learning.AutoCleanup = false
	return cfg, cfg.Validate()
}

// openRegistry wires the services with logs routed to stderr.
func openRegistry(ctx context.Context, cmd *cobra.Command, flags *globalFlags) (services.Registry, error) {
	return openRegistryWith(ctx, cmd, flags, services.Options{})
}

// openRegistryWith is openRegistry with extra service options. The logger is
// always replaced.
func openRegistryWith(ctx context.Context, cmd *cobra.Command, flags *globalFlags, opts services.Options) (services.Registry, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver != config.DriverSQLite {
		return nil, fmt.Errorf("memory commands need persistent storage: set storage.driver to sqlite or pass --db")
	}

	lc := logging.NewDefaultConfig()
	if lc.Level, err = logging.LevelFromString(cfg.Logging.Level); err != nil {
		return nil, err
	}
	lc.Format = "console"
	lc.Caller.Enabled = false
	lc.Output.Writer = cmd.ErrOrStderr()
	logger, err := logging.NewLogger(lc, nil)
	if err != nil {
		return nil, err
	}

	opts.Logger = logger
	return services.New(ctx, cfg, opts)
}
