package cut

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

// cutBoundarySplice trims a range whose endpoints fall inside segments
// by re-encoding only the first and last segment and byte-copying
// everything between them. The splice points carry a timestamp
// discontinuity, which TS players tolerate.
func (e *Engine) cutBoundarySplice(ctx context.Context, req *Request, selections []segment.Selection, w io.Writer) error {
	for i, sel := range selections {
		rng := req.Ranges[i]
		segs := sel.Segments

		if len(segs) == 1 {
			seg := segs[0]
			if err := e.encodeTrimmed(ctx, seg, rng.Start.Sub(seg.Start), rng.End.Sub(seg.Start), w); err != nil {
				return err
			}
			continue
		}

		first := segs[0]
		if err := e.encodeTrimmed(ctx, first, rng.Start.Sub(first.Start), first.Duration, w); err != nil {
			return err
		}
		for _, seg := range segs[1 : len(segs)-1] {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.copySegment(seg, w); err != nil {
				return err
			}
		}
		last := segs[len(segs)-1]
		if err := e.encodeTrimmed(ctx, last, 0, rng.End.Sub(last.Start), w); err != nil {
			return err
		}
	}
	return nil
}

// encodeTrimmed re-encodes one segment file trimmed to [from, to),
// measured from the segment's own start, and streams the result to w.
func (e *Engine) encodeTrimmed(ctx context.Context, seg segment.Segment, from, to time.Duration, w io.Writer) error {
	if from < 0 {
		from = 0
	}
	if to > seg.Duration {
		to = seg.Duration
	}
	if to <= from {
		return nil
	}

	cmd := NewCommandBuilder(e.opts.FFmpegPath).
		HideBanner().
		Input(e.store.Path(seg)).
		OutputArgs("-ss", fmt.Sprintf("%.3f", fsec(from))).
		OutputArgs("-to", fmt.Sprintf("%.3f", fsec(to))).
		OutputArgs(mpegtsEncodeArgs()...).
		Output("pipe:1").
		Build()

	e.logger.Debug("re-encoding boundary segment",
		"segment", seg.Filename(), "cmd", cmd.String())
	return cmd.StreamToWriter(ctx, w)
}
