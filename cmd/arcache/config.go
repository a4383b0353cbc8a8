package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arcache/internal/config"
)

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var asJSON, watch bool
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and print the effective values",
		Long: `Load the configuration file and environment, validate every option and
print the effective configuration.

Examples:
  # Validate a file
  arcache config check --config arcache.yaml

  # Validate the environment only, as JSON
  ARCACHE_LEARNING_LEARNING_RATE=0.5 arcache config check --json

  # Re-validate on every save until interrupted
  arcache config check --config arcache.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				printConfigErrors(cmd, err)
				return err
			}
			if err := printConfig(cmd.OutOrStdout(), cfg, asJSON); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			if flags.configPath == "" {
				return errors.New("--watch requires --config")
			}
			return watchConfig(cmd, flags)
		},
	}
	checkCmd.Flags().BoolVar(&asJSON, "json", false, "Print the effective configuration as JSON")
	checkCmd.Flags().BoolVar(&watch, "watch", false, "Keep running and re-validate the file on every change")

	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "List every recognized configuration key",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, key := range config.KnownKeys() {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
		},
	}

	cmd.AddCommand(checkCmd, keysCmd)
	return cmd
}

func printConfig(w io.Writer, cfg *config.Config, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
	fmt.Fprintln(w, "configuration ok")
	fmt.Fprintf(w, "  storage:          %s %s\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Fprintf(w, "  memory enabled:   %t (max %d per type)\n", cfg.Learning.MemoryEnabled, cfg.Learning.MaxMemoryEntries)
	fmt.Fprintf(w, "  reflection depth: %s\n", cfg.Learning.ReflectionDepth)
	fmt.Fprintf(w, "  criteria:         %v\n", cfg.Learning.EvaluationCriteria)
	fmt.Fprintf(w, "  cache ttl:        %s\n", cfg.Cache.DefaultTTL.Duration())
	return nil
}

// watchConfig reprints the check result after every change to the config
// file until the command context is cancelled or the process is interrupted.
func watchConfig(cmd *cobra.Command, flags *globalFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	onChange := func(cfg *config.Config, err error) {
		if err == nil {
			cfg, err = applyOverrides(flags, cfg)
		}
		if err != nil {
			fmt.Fprintln(out, "configuration invalid")
			printConfigErrors(cmd, err)
			return
		}
		_ = printConfig(out, cfg, false)
	}

	w, err := config.Watch(ctx, flags.configPath, onChange, zap.NewNop())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "watching %s (ctrl-c to stop)\n", flags.configPath)
	<-ctx.Done()
	return w.Close()
}

// printConfigErrors lists each invalid key on its own line.
func printConfigErrors(cmd *cobra.Command, err error) {
	for _, cfgErr := range configErrors(err) {
		fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", cfgErr.Error())
	}
}

// configErrors flattens joined validation errors.
func configErrors(err error) []*config.ConfigurationError {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*config.ConfigurationError
		for _, e := range joined.Unwrap() {
			out = append(out, configErrors(e)...)
		}
		return out
	}
	var cfgErr *config.ConfigurationError
	if errors.As(err, &cfgErr) {
		return []*config.ConfigurationError{cfgErr}
	}
	return nil
}
