// Package cut turns (range, transition) requests into a single video
// stream read from the local segment archive. Four modes are supported:
// fast (byte concatenation, no re-encode), smart (fast when endpoints
// land on segment edges, boundary re-encode otherwise), full (precise
// re-encode with transitions and crop) and webm (full, VP9/Opus).
package cut

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dbvideostriketeam/wubloader/internal/models"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

// Type selects the cutting strategy.
type Type string

const (
	TypeFast  Type = "fast"
	TypeSmart Type = "smart"
	TypeFull  Type = "full"
	TypeWebM  Type = "webm"
)

// ParseType parses a cut type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeFast, TypeSmart, TypeFull, TypeWebM:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown cut type %q", s)
}

// ContentType returns the MIME type of the produced stream.
func (t Type) ContentType() string {
	if t == TypeWebM {
		return "video/webm"
	}
	return "video/MP2T"
}

// xfadeTransitions maps the transition names accepted on event rows to
// ffmpeg xfade transition names.
var xfadeTransitions = map[string]string{
	"fade":        "fade",
	"fadeblack":   "fadeblack",
	"fadewhite":   "fadewhite",
	"dissolve":    "dissolve",
	"wipeleft":    "wipeleft",
	"wiperight":   "wiperight",
	"wipeup":      "wipeup",
	"wipedown":    "wipedown",
	"slideleft":   "slideleft",
	"slideright":  "slideright",
	"radial":      "radial",
	"circleopen":  "circleopen",
	"circleclose": "circleclose",
	"pixelize":    "pixelize",
}

// KnownTransition reports whether a transition type is supported.
func KnownTransition(name string) bool {
	_, ok := xfadeTransitions[name]
	return ok
}

// Request describes one cut.
type Request struct {
	Channel string
	Quality string
	// Ranges are the wall-clock intervals to include, in output order.
	Ranges models.TimeRangeList
	// Transitions has len(Ranges)-1 entries; nil means hard cut.
	Transitions models.TransitionList
	// Crop, when set, is applied to the output video (full/webm only,
	// smart escalates to full when present).
	Crop       *models.Crop
	Type       Type
	AllowHoles bool
}

// RequestError marks an unsatisfiable or malformed request. HTTP
// handlers translate it to a 4xx.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string { return e.Reason }

func requestErrorf(format string, args ...any) error {
	return &RequestError{Reason: fmt.Sprintf(format, args...)}
}

// CoverageError reports holes in a requested range when allow_holes is
// off. Also a 4xx at the HTTP layer.
type CoverageError struct {
	Range models.TimeRange
	Holes []segment.Hole
}

func (e *CoverageError) Error() string {
	parts := make([]string, len(e.Holes))
	for i, h := range e.Holes {
		parts[i] = h.String()
	}
	return fmt.Sprintf("requested range [%s, %s) has no coverage at %s",
		e.Range.Start.Format(time.RFC3339Nano), e.Range.End.Format(time.RFC3339Nano),
		strings.Join(parts, ", "))
}

// Validate checks the request shape before any archive access.
func (r *Request) Validate() error {
	if len(r.Ranges) == 0 {
		return requestErrorf("at least one range is required")
	}
	for i, rng := range r.Ranges {
		if !rng.End.After(rng.Start) {
			return requestErrorf("range %d does not run forwards", i)
		}
	}
	if len(r.Transitions) != len(r.Ranges)-1 {
		return requestErrorf("got %d transitions for %d ranges, want %d",
			len(r.Transitions), len(r.Ranges), len(r.Ranges)-1)
	}
	for i, tr := range r.Transitions {
		if tr == nil {
			continue
		}
		if !KnownTransition(tr.Type) {
			return requestErrorf("unknown transition type %q", tr.Type)
		}
		if tr.Duration <= 0 {
			return requestErrorf("transition %d has non-positive duration", i)
		}
		overlap := time.Duration(tr.Duration * float64(time.Second))
		if overlap > r.Ranges[i].Duration() || overlap > r.Ranges[i+1].Duration() {
			return requestErrorf("transition %d overlap %.3fs exceeds an adjoining range", i, tr.Duration)
		}
	}
	if r.Type == TypeFast && r.hasRealTransitions() {
		return requestErrorf("fast cuts support hard cuts only")
	}
	return nil
}

func (r *Request) hasRealTransitions() bool {
	for _, tr := range r.Transitions {
		if tr != nil {
			return true
		}
	}
	return false
}

// Options tunes the engine.
type Options struct {
	// FFmpegPath overrides the ffmpeg binary; empty means $PATH lookup.
	FFmpegPath string
	// BoundaryEpsilon is how close to a segment edge a requested
	// endpoint must land for smart cuts to take the fast path.
	BoundaryEpsilon time.Duration
}

// Engine executes cuts against a segment store.
type Engine struct {
	store  *segment.Store
	opts   Options
	logger *slog.Logger
}

// NewEngine creates a cut engine.
func NewEngine(store *segment.Store, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BoundaryEpsilon <= 0 {
		opts.BoundaryEpsilon = 100 * time.Millisecond
	}
	return &Engine{store: store, opts: opts, logger: logger}
}

// Cut validates the request, resolves it against the archive and
// streams the result to w. Output is streamed as it is produced; it is
// never buffered whole.
func (e *Engine) Cut(ctx context.Context, req *Request, w io.Writer) error {
	if err := req.Validate(); err != nil {
		return err
	}

	selections, err := e.resolve(req)
	if err != nil {
		return err
	}

	switch req.Type {
	case TypeFast:
		return e.cutFast(ctx, selections, w)
	case TypeSmart:
		return e.cutSmart(ctx, req, selections, w)
	case TypeFull:
		return e.cutEncoded(ctx, req, selections, w, mpegtsEncodeArgs())
	case TypeWebM:
		return e.cutEncoded(ctx, req, selections, w, webmEncodeArgs())
	default:
		return requestErrorf("unknown cut type %q", req.Type)
	}
}

// resolve maps each requested range to a segment selection, enforcing
// coverage unless holes are allowed.
func (e *Engine) resolve(req *Request) ([]segment.Selection, error) {
	selections := make([]segment.Selection, 0, len(req.Ranges))
	for _, rng := range req.Ranges {
		segs, err := e.store.SegmentsInRange(req.Channel, req.Quality, rng.Start, rng.End)
		if err != nil {
			return nil, fmt.Errorf("listing segments: %w", err)
		}
		sel := segment.Select(segs, rng.Start, rng.End)
		if !sel.Covered() && !req.AllowHoles {
			return nil, &CoverageError{Range: rng, Holes: sel.Holes}
		}
		if len(sel.Segments) == 0 {
			return nil, &CoverageError{Range: rng, Holes: sel.Holes}
		}
		selections = append(selections, sel)
	}
	return selections, nil
}

// cutFast concatenates the selected segment files byte for byte. The
// selection order is deterministic, so so is the output.
func (e *Engine) cutFast(ctx context.Context, selections []segment.Selection, w io.Writer) error {
	for _, sel := range selections {
		for _, seg := range sel.Segments {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.copySegment(seg, w); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) copySegment(seg segment.Segment, w io.Writer) error {
	f, err := os.Open(e.store.Path(seg))
	if err != nil {
		return fmt.Errorf("opening segment %s: %w", seg.Filename(), err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("streaming segment %s: %w", seg.Filename(), err)
	}
	return nil
}

// cutSmart picks the cheapest strategy that satisfies the request. With
// transitions or a crop it runs the full pipeline; with endpoints on
// segment edges it degrades to fast; otherwise it re-encodes only the
// boundary segments and stream-copies the interior.
func (e *Engine) cutSmart(ctx context.Context, req *Request, selections []segment.Selection, w io.Writer) error {
	if req.hasRealTransitions() || req.Crop != nil {
		return e.cutEncoded(ctx, req, selections, w, mpegtsEncodeArgs())
	}
	onBoundary := true
	for i, sel := range selections {
		if !e.rangeOnBoundary(req.Ranges[i], sel) {
			onBoundary = false
			break
		}
	}
	if onBoundary {
		return e.cutFast(ctx, selections, w)
	}
	return e.cutBoundarySplice(ctx, req, selections, w)
}

func (e *Engine) rangeOnBoundary(rng models.TimeRange, sel segment.Selection) bool {
	if len(sel.Segments) == 0 || !sel.Covered() {
		return false
	}
	eps := e.opts.BoundaryEpsilon
	startDrift := rng.Start.Sub(sel.Segments[0].Start)
	endDrift := sel.Segments[len(sel.Segments)-1].End().Sub(rng.End)
	return absDuration(startDrift) <= eps && absDuration(endDrift) <= eps
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func fsec(d time.Duration) float64 { return d.Seconds() }

// ErrNoOutput is returned when ffmpeg exits cleanly but produced
// nothing, which in practice means the input was unreadable.
var ErrNoOutput = errors.New("encoder produced no output")
