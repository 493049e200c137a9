package backfiller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbvideostriketeam/wubloader/internal/observability"
	"github.com/dbvideostriketeam/wubloader/internal/restreamer"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

// peerWorker pulls from one peer. Two loops share it: a recent loop
// over the newest hour buckets and a full loop over the whole lookback
// window plus the extra directories.
type peerWorker struct {
	manager *Manager
	peer    string
	client  *restreamer.Client
	logger  *slog.Logger
}

func (w *peerWorker) runRecent(ctx context.Context) {
	interval := w.manager.cfg.Backfiller.RecentInterval
	if interval <= 0 {
		interval = defaultRecentInterval
	}
	w.runLoop(ctx, interval, func(ctx context.Context) error {
		return w.backfillPass(ctx, true)
	})
}

func (w *peerWorker) runFull(ctx context.Context) {
	interval := w.manager.cfg.Backfiller.OldInterval
	if interval <= 0 {
		interval = defaultOldInterval
	}
	w.runLoop(ctx, interval, func(ctx context.Context) error {
		if err := w.backfillPass(ctx, false); err != nil {
			return err
		}
		return w.mirrorExtras(ctx)
	})
}

// runLoop runs pass on the given cadence, stretching the sleep
// exponentially while the peer keeps failing.
func (w *peerWorker) runLoop(ctx context.Context, interval time.Duration, pass func(context.Context) error) {
	failures := 0
	for {
		if err := pass(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			observability.WithError(w.logger, err).Warn("backfill pass failed",
				slog.Int("failures", failures))
		} else {
			failures = 0
		}

		sleep := interval
		if failures > 0 {
			sleep = backoffBase << (failures - 1)
			if sleep > backoffCap || sleep <= 0 {
				sleep = backoffCap
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// hourWindow filters and orders remote hour buckets: newest first,
// nothing older than the lookback window, nothing unparseable.
func (w *peerWorker) hourWindow(hours []string, recentOnly bool) []string {
	maxAgo := w.manager.cfg.Backfiller.MaxHoursAgo
	var cutoff time.Time
	if maxAgo > 0 {
		cutoff = time.Now().UTC().Add(-time.Duration(maxAgo) * time.Hour).Truncate(time.Hour)
	}

	kept := make([]string, 0, len(hours))
	for _, h := range hours {
		t, err := time.Parse(segment.HourFormat, h)
		if err != nil {
			continue
		}
		if !cutoff.IsZero() && t.Before(cutoff) {
			continue
		}
		kept = append(kept, h)
	}
	// Hour names sort lexically as chronologically; newest-first means
	// a freshly started node fills the hours people are editing now
	// before it starts on history.
	sort.Sort(sort.Reverse(sort.StringSlice(kept)))
	if recentOnly && len(kept) > recentHours {
		kept = kept[:recentHours]
	}
	return kept
}

// backfillPass diffs every (channel, quality) against the peer and
// fetches what is missing.
func (w *peerWorker) backfillPass(ctx context.Context, recentOnly bool) error {
	for _, ch := range w.manager.cfg.Channels {
		for _, quality := range w.manager.cfg.Qualities {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := w.backfillQuality(ctx, ch.Name, quality, recentOnly); err != nil {
				return fmt.Errorf("backfilling %s/%s: %w", ch.Name, quality, err)
			}
		}
	}
	return nil
}

func (w *peerWorker) backfillQuality(ctx context.Context, channel, quality string, recentOnly bool) error {
	hours, err := w.client.Hours(ctx, channel, quality)
	if err != nil {
		observability.BackfillErrors.WithLabelValues(w.peer, "list_hours").Inc()
		return err
	}
	for _, hour := range w.hourWindow(hours, recentOnly) {
		if err := w.backfillHour(ctx, channel, quality, hour); err != nil {
			return fmt.Errorf("hour %s: %w", hour, err)
		}
	}
	return nil
}

// backfillHour fetches every segment the peer has for the hour that we
// do not, with a bounded number of concurrent downloads.
func (w *peerWorker) backfillHour(ctx context.Context, channel, quality, hour string) error {
	remote, err := w.client.SegmentNames(ctx, channel, quality, hour)
	if err != nil {
		observability.BackfillErrors.WithLabelValues(w.peer, "list_segments").Inc()
		return err
	}
	localNames, err := w.manager.store.SegmentNames(channel, quality, hour)
	if err != nil {
		return err
	}
	local := make(map[string]bool, len(localNames))
	for _, n := range localNames {
		local[n] = true
	}

	workers := w.manager.cfg.Backfiller.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, name := range remote {
		if local[name] {
			continue
		}
		g.Go(func() error {
			return w.fetchSegment(ctx, channel, quality, hour, name)
		})
	}
	return g.Wait()
}

// fetchSegment streams one segment from the peer into the archive,
// verifying the bytes hash to the name before publishing. A mismatch is
// discarded: a corrupt copy must not shadow a good one elsewhere.
func (w *peerWorker) fetchSegment(ctx context.Context, channel, quality, hour, name string) error {
	want, err := segment.ParseName(channel, quality, hour, name)
	if err != nil {
		// Not a segment; peers may have junk files, skip quietly.
		w.logger.Debug("skipping non-segment file", slog.String("name", name))
		return nil
	}
	if w.manager.store.Exists(want) {
		return nil
	}

	body, err := w.client.GetSegment(ctx, channel, quality, hour, name)
	if err != nil {
		observability.BackfillErrors.WithLabelValues(w.peer, "fetch").Inc()
		return err
	}
	defer body.Close()

	sw, err := w.manager.store.NewWriter(channel, quality)
	if err != nil {
		return err
	}
	if _, err := io.Copy(sw, body); err != nil {
		sw.Abort()
		observability.BackfillErrors.WithLabelValues(w.peer, "fetch").Inc()
		return err
	}
	if sw.Hash() != want.Hash {
		sw.Abort()
		observability.BackfillHashMismatches.WithLabelValues(w.peer).Inc()
		w.logger.Warn("hash mismatch, discarding segment",
			slog.String("name", name),
			slog.String("got", sw.Hash()),
		)
		return nil
	}
	if _, err := sw.Finalize(want.Start, want.Duration, want.Type); err != nil {
		return err
	}
	observability.SegmentsBackfilled.WithLabelValues(w.peer, channel, quality).Inc()
	w.logger.Debug("backfilled segment",
		slog.String("channel", channel),
		slog.String("quality", quality),
		slog.String("name", name),
	)
	return nil
}

// mirrorExtras copies the peer's auxiliary directories (chat logs,
// emotes and the like). Files there are immutable once written, so
// presence is the only diff needed.
func (w *peerWorker) mirrorExtras(ctx context.Context) error {
	for _, dir := range w.manager.cfg.Backfiller.ExtraDirs {
		files, err := w.client.ExtraFiles(ctx, dir)
		if err != nil {
			observability.BackfillErrors.WithLabelValues(w.peer, "list_extras").Inc()
			return fmt.Errorf("listing %s: %w", dir, err)
		}
		for _, rel := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := w.mirrorExtraFile(ctx, dir, rel); err != nil {
				return fmt.Errorf("mirroring %s/%s: %w", dir, rel, err)
			}
		}
	}
	return nil
}

func (w *peerWorker) mirrorExtraFile(ctx context.Context, dir, rel string) error {
	dest := filepath.Join(w.manager.store.Base(), dir, filepath.FromSlash(rel))
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	body, err := w.client.GetExtraFile(ctx, dir, rel)
	if err != nil {
		observability.BackfillErrors.WithLabelValues(w.peer, "fetch_extra").Inc()
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".backfill-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	w.logger.Debug("mirrored extra file", slog.String("dir", dir), slog.String("file", rel))
	return nil
}
