// Package cmd implements the CLI commands for wubloader.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dbvideostriketeam/wubloader/internal/config"
	"github.com/dbvideostriketeam/wubloader/internal/observability"
	"github.com/dbvideostriketeam/wubloader/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "wubloader",
	Short:   "Fault-tolerant HLS stream archiver and cutter",
	Version: version.Short(),
	Long: `wubloader archives live HLS streams as raw MPEG-TS segments across a
fleet of nodes, backfills holes between peers, and cuts edited ranges
of the archive into uploaded videos.

Each subcommand runs one component: downloader (live ingest),
restreamer (archive HTTP API), backfiller (peer replication), cutter
(claim, cut and upload edited events) and coverage (archive audit
maps). One config file describes a whole node; run as many components
per process supervisor entry as the node needs.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Global flags. These are not bound to viper: loadConfig checks
	// Changed() and only then overrides config/env values, preserving
	// the priority CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/wubloader, $HOME/.wubloader)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig reads the configuration and installs the process logger.
// Every component subcommand calls this first.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		cfg.Logging.Format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}
	// "warning" as an alias for "warn".
	if strings.EqualFold(cfg.Logging.Level, "warning") {
		cfg.Logging.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
