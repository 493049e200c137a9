// Package downloader maintains the on-disk archive of every configured
// (channel, quality) by polling upstream HLS playlists and downloading
// each newly-seen segment. It never touches the database; its only
// effect is content-addressed files in the segment store.
package downloader

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/dbvideostriketeam/wubloader/internal/config"
	"github.com/dbvideostriketeam/wubloader/internal/observability"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
	"github.com/dbvideostriketeam/wubloader/pkg/httpclient"
)

// Manager runs one ingest worker per (channel, quality).
type Manager struct {
	cfg    *config.Config
	store  *segment.Store
	logger *slog.Logger
}

// New creates a downloader manager.
func New(cfg *config.Config, store *segment.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, store: store, logger: logger}
}

// Run starts all workers and blocks until the context is cancelled.
// Individual segment failures never stop a worker; only cancellation
// ends the run.
func (m *Manager) Run(ctx context.Context) error {
	if _, err := m.store.CleanTemp(); err != nil {
		observability.WithError(m.logger, err).Warn("cleaning temp area")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range m.cfg.Channels {
		for _, quality := range m.cfg.Qualities {
			w := newWorker(ch, quality, m.cfg.Downloader, m.store,
				m.logger.With(slog.String("channel", ch.Name), slog.String("quality", quality)))
			g.Go(func() error { return w.run(ctx) })
		}
	}
	return g.Wait()
}

// newClient builds the upstream HTTP client for one channel.
func newClient(ch config.ChannelConfig, cfg config.DownloaderConfig, logger *slog.Logger) *httpclient.Client {
	ccfg := httpclient.DefaultConfig()
	ccfg.Logger = logger
	ccfg.AuthToken = ch.AuthToken
	if cfg.RetryAttempts > 0 {
		ccfg.RetryAttempts = cfg.RetryAttempts
	}
	return httpclient.New(ccfg)
}
