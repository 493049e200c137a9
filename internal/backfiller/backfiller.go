// Package backfiller pulls segments this node missed from its peers.
// Every node runs one; together they converge each (channel, quality,
// hour) directory toward the union of what any node captured. Files are
// content-addressed, so a segment either matches its name's hash or is
// discarded; there is nothing to merge.
package backfiller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbvideostriketeam/wubloader/internal/config"
	"github.com/dbvideostriketeam/wubloader/internal/observability"
	"github.com/dbvideostriketeam/wubloader/internal/repository"
	"github.com/dbvideostriketeam/wubloader/internal/restreamer"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
	"github.com/dbvideostriketeam/wubloader/pkg/httpclient"
)

const (
	defaultWorkers        = 4
	defaultRecentInterval = 30 * time.Second
	defaultOldInterval    = 10 * time.Minute
	defaultNodeRefresh    = 5 * time.Minute
	// recentHours is how many newest hour buckets count as "recent" and
	// get the tighter polling cadence.
	recentHours = 2
	// backoffBase and backoffCap bound the per-peer failure backoff.
	backoffBase = 10 * time.Second
	backoffCap  = 10 * time.Minute
)

// Manager runs one backfill worker per peer and keeps the peer set in
// sync with either the static config list or the shared nodes table.
type Manager struct {
	cfg    *config.Config
	store  *segment.Store
	nodes  repository.NodeRepository // nil means static peers only
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc // peer URL -> stop
	wg      sync.WaitGroup
}

// New creates a backfill manager. nodes may be nil when
// backfiller.peers is set in config.
func New(cfg *config.Config, store *segment.Store, nodes repository.NodeRepository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		nodes:   nodes,
		logger:  observability.WithComponent(logger, "backfiller"),
		running: make(map[string]context.CancelFunc),
	}
}

// Run blocks until the context is cancelled, managing one worker per
// peer throughout.
func (m *Manager) Run(ctx context.Context) error {
	if n, err := m.store.CleanTemp(); err != nil {
		observability.WithError(m.logger, err).Warn("cleaning temp area")
	} else if n > 0 {
		m.logger.Info("discarded stale temp files", slog.Int("count", n))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.managePeers(ctx)
		return nil
	})
	err := g.Wait()
	m.wg.Wait()
	return err
}

// managePeers reconciles the desired peer set against the running
// workers until cancelled.
func (m *Manager) managePeers(ctx context.Context) {
	refresh := m.cfg.Backfiller.NodeRefresh
	if refresh <= 0 {
		refresh = defaultNodeRefresh
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		m.reconcile(ctx)
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case <-ticker.C:
		}
	}
}

// desiredPeers returns the peer base URLs to pull from right now.
func (m *Manager) desiredPeers(ctx context.Context) []string {
	if static := m.cfg.Backfiller.Peers; len(static) > 0 {
		return static
	}
	if m.nodes == nil {
		return nil
	}
	nodes, err := m.nodes.ListPeers(ctx, m.cfg.Node.Name)
	if err != nil {
		observability.WithError(m.logger, err).Warn("listing peer nodes")
		return nil
	}
	urls := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Name == m.cfg.Node.Name || n.URL == "" {
			continue
		}
		urls = append(urls, n.URL)
	}
	return urls
}

func (m *Manager) reconcile(ctx context.Context) {
	desired := make(map[string]bool)
	for _, u := range m.desiredPeers(ctx) {
		desired[u] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for u, cancel := range m.running {
		if !desired[u] {
			m.logger.Info("peer removed", slog.String("peer", u))
			cancel()
			delete(m.running, u)
		}
	}
	for u := range desired {
		if _, ok := m.running[u]; ok {
			continue
		}
		m.logger.Info("peer added", slog.String("peer", u))
		peerCtx, cancel := context.WithCancel(ctx)
		m.running[u] = cancel
		w := m.newPeerWorker(u)
		m.wg.Add(2)
		go func() {
			defer m.wg.Done()
			w.runRecent(peerCtx)
		}()
		go func() {
			defer m.wg.Done()
			w.runFull(peerCtx)
		}()
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for u, cancel := range m.running {
		cancel()
		delete(m.running, u)
	}
}

func (m *Manager) newPeerWorker(peerURL string) *peerWorker {
	hc := httpclient.NewWithDefaults()
	return &peerWorker{
		manager: m,
		peer:    peerURL,
		client:  restreamer.NewClient(peerURL, hc),
		logger:  m.logger.With(slog.String("peer", peerURL)),
	}
}
