package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dbvideostriketeam/wubloader/internal/config"
	"github.com/dbvideostriketeam/wubloader/internal/database"
	"github.com/dbvideostriketeam/wubloader/internal/httpserver"
	"github.com/dbvideostriketeam/wubloader/internal/version"
)

// addPortFlag registers the per-component --port override. Components
// share one config file, so colocated components need distinct ports.
func addPortFlag(cmd *cobra.Command) {
	cmd.Flags().Int("port", 0, "listen port (overrides server.port)")
}

// applyPortFlag applies an explicit --port to the loaded config.
func applyPortFlag(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
}

// runComponent runs a worker loop alongside the component's HTTP
// server (health and metrics) until the context is cancelled or
// either side fails.
func runComponent(ctx context.Context, cfg *config.Config, component string, logger *slog.Logger, db *database.DB, run func(context.Context) error) error {
	srv := httpserver.NewServer(cfg.Server, component, version.Version, logger)
	health := httpserver.NewHealthHandler(component, version.Version)
	if db != nil {
		health = health.WithDB(db)
	}
	health.Register(srv.API())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	return g.Wait()
}

// openDatabase connects and migrates the shared database.
func openDatabase(cfg *config.Config, logger *slog.Logger) (*database.DB, error) {
	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
