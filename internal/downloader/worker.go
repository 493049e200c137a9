package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/dbvideostriketeam/wubloader/internal/config"
	"github.com/dbvideostriketeam/wubloader/internal/mpegts"
	"github.com/dbvideostriketeam/wubloader/internal/observability"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
	"github.com/dbvideostriketeam/wubloader/pkg/httpclient"
)

const (
	// durationEpsilon is how far the probed duration may drift from the
	// playlist-advertised one before the segment is marked suspect. The
	// probe understates by roughly one frame, so this stays generous.
	durationEpsilon = 250 * time.Millisecond

	// maxPlaylistErrors ends one media-playlist session and forces a
	// re-resolve through the master playlist.
	maxPlaylistErrors = 6

	minPollInterval = 800 * time.Millisecond
	idleFactor      = 0.85
)

// worker ingests one (channel, quality) target.
type worker struct {
	channel config.ChannelConfig
	quality string
	cfg     config.DownloaderConfig
	store   *segment.Store
	client  *httpclient.Client
	logger  *slog.Logger

	mediaURL       string
	targetDuration time.Duration

	seenSeq map[uint64]struct{}
	seenURI map[string]struct{}
	lastSeq uint64
	hasLast bool

	// nextStart estimates the next segment's start when the playlist
	// carries no program-date-time.
	nextStart time.Time

	// firstBatch marks segments seen on the first poll after a
	// (re)start; they may have been half-missed, so they come out
	// suspect.
	firstBatch bool

	sem chan struct{}
	wg  sync.WaitGroup
}

func newWorker(ch config.ChannelConfig, quality string, cfg config.DownloaderConfig, store *segment.Store, logger *slog.Logger) *worker {
	fanOut := cfg.FanOut
	if fanOut <= 0 {
		fanOut = 4
	}
	return &worker{
		channel:        ch,
		quality:        quality,
		cfg:            cfg,
		store:          store,
		client:         newClient(ch, cfg, logger),
		logger:         logger,
		targetDuration: 6 * time.Second,
		seenSeq:        make(map[uint64]struct{}),
		seenURI:        make(map[string]struct{}),
		firstBatch:     true,
		sem:            make(chan struct{}, fanOut),
	}
}

// run polls until the context is cancelled. Errors degrade to logs and
// metrics; a streak of playlist failures forces re-resolution through
// the master playlist, which also picks up refreshed auth tokens.
func (w *worker) run(ctx context.Context) error {
	defer w.wg.Wait()

	var playlistErrors int
	for {
		emitted, err := w.pollOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			playlistErrors++
			observability.WithError(w.logger, err).Warn("playlist poll failed",
				slog.Int("streak", playlistErrors))
			observability.DownloadErrors.WithLabelValues(w.channel.Name, w.quality, "playlist").Inc()
			if playlistErrors >= maxPlaylistErrors {
				// Start over from the master playlist; tokens and
				// variant URLs both go stale.
				w.mediaURL = ""
				w.client.SetAuthToken(w.channel.AuthToken)
				w.client.ResetCircuit()
				w.firstBatch = true
				playlistErrors = 0
				if w.channel.Important {
					w.logger.Warn("important channel looks offline")
				}
			}
		} else {
			playlistErrors = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval(emitted > 0)):
		}
	}
}

// pollInterval derives the next sleep from the playlist target
// duration. Important channels poll twice as fast.
func (w *worker) pollInterval(emitted bool) time.Duration {
	interval := w.targetDuration / 2
	if interval < minPollInterval {
		interval = minPollInterval
	}
	if interval > w.targetDuration {
		interval = w.targetDuration
	}
	if !emitted {
		interval = time.Duration(float64(interval) * idleFactor)
	}
	if w.channel.Important {
		interval /= 2
		if interval < 500*time.Millisecond {
			interval = 500 * time.Millisecond
		}
	}
	return interval
}

// pollOnce fetches the media playlist and spawns a download for every
// segment not seen before. Returns how many downloads were spawned.
func (w *worker) pollOnce(ctx context.Context) (int, error) {
	if w.mediaURL == "" {
		if err := w.resolveMediaURL(ctx); err != nil {
			return 0, err
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.playlistTimeout())
	defer cancel()

	start := time.Now()
	data, err := w.client.GetBytes(fetchCtx, w.mediaURL)
	if err != nil {
		return 0, fmt.Errorf("fetching media playlist: %w", err)
	}
	observability.PlaylistFetchDuration.WithLabelValues(w.channel.Name, w.quality).
		Observe(time.Since(start).Seconds())

	media, err := unmarshalMediaPlaylist(data)
	if err != nil {
		return 0, fmt.Errorf("parsing media playlist: %w", err)
	}
	if media.TargetDuration > 0 {
		w.targetDuration = time.Duration(media.TargetDuration) * time.Second
	}
	if len(media.Segments) == 0 && w.channel.Important {
		w.logger.Warn("important channel has an empty playlist")
	}

	emitted := 0
	mediaSequence := uint64(media.MediaSequence)
	for i, seg := range media.Segments {
		if seg == nil {
			continue
		}
		seq := mediaSequence + uint64(i)
		if _, ok := w.seenSeq[seq]; ok {
			continue
		}
		w.seenSeq[seq] = struct{}{}
		if _, ok := w.seenURI[seg.URI]; ok {
			continue
		}
		w.seenURI[seg.URI] = struct{}{}

		gapBefore := w.hasLast && seq > w.lastSeq+1
		w.lastSeq = seq
		w.hasLast = true

		segStart, estimated := w.segmentStart(seg.DateTime, seg.Duration)
		suspicious := estimated || gapBefore || w.firstBatch

		u := absolutizeURL(w.mediaURL, seg.URI)
		duration := seg.Duration
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			select {
			case w.sem <- struct{}{}:
				defer func() { <-w.sem }()
			case <-ctx.Done():
				return
			}
			w.downloadSegment(ctx, u, segStart, duration, suspicious)
		}()
		emitted++
	}
	w.firstBatch = false
	w.pruneSeen(mediaSequence, media.Segments)
	return emitted, nil
}

// pruneSeen drops dedup entries that have left the live playlist
// window, keeping both maps bounded by the window size. Anything below
// the current media sequence can never reappear under sequence dedup.
func (w *worker) pruneSeen(mediaSequence uint64, segments []*playlist.MediaSegment) {
	for seq := range w.seenSeq {
		if seq < mediaSequence {
			delete(w.seenSeq, seq)
		}
	}
	current := make(map[string]struct{}, len(segments))
	for _, seg := range segments {
		if seg != nil {
			current[seg.URI] = struct{}{}
		}
	}
	for uri := range w.seenURI {
		if _, ok := current[uri]; !ok {
			delete(w.seenURI, uri)
		}
	}
}

// segmentStart resolves a segment's wall-clock start. Playlists with
// program-date-time are authoritative; without it we run a clock
// forward from the previous segment and mark the result estimated.
func (w *worker) segmentStart(dateTime *time.Time, duration time.Duration) (time.Time, bool) {
	if dateTime != nil {
		start := dateTime.UTC()
		w.nextStart = start.Add(duration)
		return start, false
	}
	start := w.nextStart
	if start.IsZero() {
		start = time.Now().UTC()
	}
	w.nextStart = start.Add(duration)
	return start, true
}

// resolveMediaURL fetches the channel's playlist and, if it is a master
// playlist, picks the variant for our quality.
func (w *worker) resolveMediaURL(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, w.playlistTimeout())
	defer cancel()

	data, err := w.client.GetBytes(fetchCtx, w.channel.URL)
	if err != nil {
		return fmt.Errorf("fetching master playlist: %w", err)
	}
	uri, isMaster, err := selectVariant(data, w.quality)
	if err != nil {
		return err
	}
	if !isMaster {
		w.mediaURL = w.channel.URL
	} else {
		w.mediaURL = absolutizeURL(w.channel.URL, uri)
	}
	w.logger.Info("resolved media playlist", slog.String("url", w.mediaURL))
	return nil
}

func (w *worker) playlistTimeout() time.Duration {
	if w.cfg.PlaylistTimeout > 0 {
		return w.cfg.PlaylistTimeout
	}
	return 10 * time.Second
}

func (w *worker) segmentTimeout() time.Duration {
	if w.cfg.SegmentTimeout > 0 {
		return w.cfg.SegmentTimeout
	}
	return 30 * time.Second
}

// downloadSegment streams one segment body into the archive. Transient
// HTTP failures are retried inside the client; a failure mid-body with
// bytes already written lands the segment as partial, since those bytes
// are valid video up to the cut.
func (w *worker) downloadSegment(ctx context.Context, url string, start time.Time, advertised time.Duration, suspicious bool) {
	dctx, cancel := context.WithTimeout(ctx, w.segmentTimeout())
	defer cancel()

	resp, err := w.client.Get(dctx, url)
	if err != nil {
		observability.DownloadErrors.WithLabelValues(w.channel.Name, w.quality, "segment").Inc()
		observability.WithError(w.logger, err).Warn("segment fetch failed", slog.String("url", url))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		observability.DownloadErrors.WithLabelValues(w.channel.Name, w.quality, "segment").Inc()
		w.logger.Warn("segment fetch returned non-200",
			slog.Int("status", resp.StatusCode), slog.String("url", url))
		return
	}

	writer, err := w.store.NewWriter(w.channel.Name, w.quality)
	if err != nil {
		observability.DownloadErrors.WithLabelValues(w.channel.Name, w.quality, "disk").Inc()
		observability.WithError(w.logger, err).Error("creating segment writer")
		return
	}
	defer writer.Abort()

	_, copyErr := io.Copy(writer, resp.Body)

	duration := advertised
	typ := segment.TypeFull
	switch {
	case copyErr != nil && ctx.Err() != nil:
		// Shutdown mid-body: the temp file is discarded, never
		// published.
		return
	case copyErr != nil && writer.Written() == 0:
		observability.DownloadErrors.WithLabelValues(w.channel.Name, w.quality, "segment").Inc()
		observability.WithError(w.logger, copyErr).Warn("segment body unreadable, abandoning")
		return
	case copyErr != nil:
		typ = segment.TypePartial
		// Name the partial by what actually landed on disk, not by the
		// playlist's advertised duration: coverage and cut selection
		// trust the name.
		if measured, err := w.measureDuration(writer.TempPath()); err == nil {
			duration = measured
		} else {
			duration = 0
		}
	case suspicious:
		typ = segment.TypeSuspect
	default:
		typ = w.probeType(writer.TempPath(), advertised)
	}

	seg, err := writer.Finalize(start, duration, typ)
	if err != nil {
		observability.DownloadErrors.WithLabelValues(w.channel.Name, w.quality, "disk").Inc()
		observability.WithError(w.logger, err).Error("publishing segment")
		return
	}
	observability.SegmentsDownloaded.WithLabelValues(w.channel.Name, w.quality, string(typ)).Inc()
	w.logger.Debug("segment archived",
		slog.String("name", seg.Filename()),
		slog.Int64("bytes", writer.Written()),
	)
}

// measureDuration probes the container timing of a downloaded temp
// file.
func (w *worker) measureDuration(tempPath string) (time.Duration, error) {
	f, err := os.Open(tempPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := mpegts.Probe(context.Background(), f)
	if err != nil {
		return 0, err
	}
	return info.Duration(), nil
}

// probeType checks the container timing of a fully-downloaded segment
// against the playlist-advertised duration.
func (w *worker) probeType(tempPath string, advertised time.Duration) segment.Type {
	measured, err := w.measureDuration(tempPath)
	if err != nil {
		return segment.TypeSuspect
	}
	drift := measured - advertised
	if drift < 0 {
		drift = -drift
	}
	if drift > durationEpsilon {
		return segment.TypeSuspect
	}
	return segment.TypeFull
}
