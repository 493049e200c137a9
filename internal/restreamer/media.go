package restreamer

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dbvideostriketeam/wubloader/internal/cut"
	"github.com/dbvideostriketeam/wubloader/internal/models"
	"github.com/dbvideostriketeam/wubloader/internal/observability"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

const (
	defaultWaveformWidth  = 1024
	defaultWaveformHeight = 128
	maxWaveformWidth      = 4096
	maxWaveformHeight     = 1024
)

// findSegmentAt locates the archived segment covering the given
// instant. Listing a minute back is enough: segments are never longer
// than an upstream playlist target duration.
func (r *Restreamer) findSegmentAt(channel, quality string, at time.Time) (segment.Segment, error) {
	segs, err := r.store.SegmentsInRange(channel, quality, at.Add(-time.Minute), at.Add(time.Second))
	if err != nil {
		return segment.Segment{}, err
	}
	sel := segment.Select(segs, at.Add(-time.Minute), at.Add(time.Second))
	for _, seg := range sel.Segments {
		if !seg.Start.After(at) && seg.End().After(at) {
			return seg, nil
		}
	}
	return segment.Segment{}, fmt.Errorf("no segment covers %s", at.Format(time.RFC3339Nano))
}

// serveFrame extracts a single PNG frame at the requested timestamp.
func (r *Restreamer) serveFrame(w http.ResponseWriter, req *http.Request) {
	channel := chi.URLParam(req, "channel")
	quality := chi.URLParam(req, "quality")

	ts := req.URL.Query().Get("timestamp")
	if ts == "" {
		http.Error(w, "timestamp is required", http.StatusBadRequest)
		return
	}
	at, err := r.parseTimeParam(ts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	seg, err := r.findSegmentAt(channel, quality, at)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	offset := at.Sub(seg.Start)

	cmd := cut.NewCommandBuilder(r.cfg.Cutter.FFmpegPath).
		HideBanner().
		Input(r.store.Path(seg), "-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64)).
		OutputArgs("-frames:v", "1", "-c:v", "png", "-f", "image2").
		Output("pipe:1").
		Build()

	w.Header().Set("Content-Type", "image/png")
	if err := cmd.StreamToWriter(req.Context(), w); err != nil {
		observability.WithError(r.logger, err).Error("frame extraction failed",
			"channel", channel, "quality", quality, "timestamp", ts)
	}
}

func waveformDimensions(req *http.Request) (int, int, error) {
	width, height := defaultWaveformWidth, defaultWaveformHeight
	if s := req.URL.Query().Get("width"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxWaveformWidth {
			return 0, 0, fmt.Errorf("width must be 1-%d", maxWaveformWidth)
		}
		width = n
	}
	if s := req.URL.Query().Get("height"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxWaveformHeight {
			return 0, 0, fmt.Errorf("height must be 1-%d", maxWaveformHeight)
		}
		height = n
	}
	return width, height, nil
}

// serveWaveform renders the audio of a time range as a PNG waveform.
// The range is fast-cut and piped straight into ffmpeg, so the raw
// concatenation never lands on disk.
func (r *Restreamer) serveWaveform(w http.ResponseWriter, req *http.Request) {
	channel := chi.URLParam(req, "channel")
	quality := chi.URLParam(req, "quality")
	disableWriteDeadline(w)

	rng, err := r.timeRangeFromQuery(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	width, height, err := waveformDimensions(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cutReq := &cut.Request{
		Channel:     channel,
		Quality:     quality,
		Ranges:      models.TimeRangeList{rng},
		Transitions: models.TransitionList{},
		Type:        cut.TypeFast,
		AllowHoles:  true,
	}

	pr, pw := io.Pipe()
	cutErr := make(chan error, 1)
	go func() {
		err := r.engine.Cut(req.Context(), cutReq, pw)
		cutErr <- err
		pw.CloseWithError(err)
	}()

	cmd := cut.NewCommandBuilder(r.cfg.Cutter.FFmpegPath).
		HideBanner().
		Input("pipe:0").
		FilterComplex(fmt.Sprintf("[0:a]showwavespic=s=%dx%d:colors=white", width, height)).
		OutputArgs("-frames:v", "1", "-c:v", "png", "-f", "image2").
		Output("pipe:1").
		Build().
		Stdin(pr)

	w.Header().Set("Content-Type", "image/png")
	err = cmd.StreamToWriter(req.Context(), w)
	pr.CloseWithError(err)
	if cerr := <-cutErr; cerr != nil && isCutRequestError(cerr) {
		// ffmpeg fails before writing anything in this case, so the
		// status line has not been sent yet.
		http.Error(w, cerr.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		observability.WithError(r.logger, err).Error("waveform rendering failed",
			"channel", channel, "quality", quality)
	}
}
