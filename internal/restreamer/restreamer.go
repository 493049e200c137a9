// Package restreamer exposes the local segment archive over HTTP: raw
// files, hour/segment listings, synthesized HLS playlists, cuts, single
// frames and waveforms. It is stateless with respect to the database;
// the optional admin event-reset shim is the one exception and is only
// mounted when a database is configured.
package restreamer

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dbvideostriketeam/wubloader/internal/config"
	"github.com/dbvideostriketeam/wubloader/internal/cut"
	"github.com/dbvideostriketeam/wubloader/internal/httpserver"
	"github.com/dbvideostriketeam/wubloader/internal/repository"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

// component names this server in logs and metrics.
const component = "restreamer"

// Restreamer serves the archive.
type Restreamer struct {
	cfg    *config.Config
	store  *segment.Store
	engine *cut.Engine
	events repository.EventRepository // nil disables the admin shim
	logger *slog.Logger
	server *httpserver.Server
}

// New creates a restreamer. events may be nil.
func New(cfg *config.Config, store *segment.Store, events repository.EventRepository, version string, logger *slog.Logger) *Restreamer {
	if logger == nil {
		logger = slog.Default()
	}
	engine := cut.NewEngine(store, cut.Options{
		FFmpegPath:      cfg.Cutter.FFmpegPath,
		BoundaryEpsilon: cfg.Cutter.SmartBoundaryEpsilon,
	}, logger)

	r := &Restreamer{
		cfg:    cfg,
		store:  store,
		engine: engine,
		events: events,
		logger: logger,
	}
	r.server = httpserver.NewServer(cfg.Server, component, version, logger)
	r.registerRoutes(version)
	return r
}

// Engine exposes the cut engine, shared with the cutter when both run
// in one process.
func (r *Restreamer) Engine() *cut.Engine {
	return r.engine
}

// Router exposes the underlying router, mainly for tests that mount
// the surface on an httptest server.
func (r *Restreamer) Router() http.Handler {
	return r.server.Router()
}

// Run serves until the context is cancelled.
func (r *Restreamer) Run(ctx context.Context) error {
	return r.server.ListenAndServe(ctx)
}
