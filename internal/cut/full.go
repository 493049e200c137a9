package cut

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

// cutEncoded runs the precise pipeline: each range's segments are
// concatenated into a spool file, ffmpeg trims every range to its
// sub-second endpoints, applies transitions and crop in one filter
// graph and re-encodes, streaming stdout straight to w.
//
// Spooling inputs to disk costs one archive read but lets a single
// ffmpeg own the whole graph; the output is never buffered.
func (e *Engine) cutEncoded(ctx context.Context, req *Request, selections []segment.Selection, w io.Writer, encodeArgs []string) error {
	tmpDir, err := os.MkdirTemp("", "wubloader-cut-*")
	if err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	b := NewCommandBuilder(e.opts.FFmpegPath).HideBanner()

	trims := make([]rangeTrim, len(selections))
	for i, sel := range selections {
		path := filepath.Join(tmpDir, fmt.Sprintf("range-%d.ts", i))
		if err := e.spoolSelection(ctx, sel, path); err != nil {
			return err
		}
		b.Input(path)

		rng := req.Ranges[i]
		offset := rng.Start.Sub(sel.Segments[0].Start)
		if offset < 0 {
			offset = 0
		}
		trims[i] = rangeTrim{
			start:    offset,
			end:      offset + rng.Duration(),
			duration: rng.Duration(),
		}
	}

	graph, vOut, aOut := buildFilterGraph(req, trims)
	b.FilterComplex(graph).
		Map(vOut).
		Map(aOut).
		OutputArgs(encodeArgs...).
		Output("pipe:1")

	cmd := b.Build()
	e.logger.Debug("running encode pipeline", "cmd", cmd.String())

	cw := &countingWriter{w: w}
	if err := cmd.StreamToWriter(ctx, cw); err != nil {
		return err
	}
	if cw.n == 0 {
		return ErrNoOutput
	}
	return nil
}

// spoolSelection writes a selection's segments to one file.
func (e *Engine) spoolSelection(ctx context.Context, sel segment.Selection, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating spool file: %w", err)
	}
	defer f.Close()
	for _, seg := range sel.Segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.copySegment(seg, f); err != nil {
			return err
		}
	}
	return nil
}

type rangeTrim struct {
	start    time.Duration
	end      time.Duration
	duration time.Duration
}

// buildFilterGraph produces the filter_complex for a multi-range
// encode: per-input trim to the precise endpoints, then pairwise
// combination (concat for hard cuts, xfade/acrossfade for transitions),
// then optional crop. Returns the graph and the final stream labels.
func buildFilterGraph(req *Request, trims []rangeTrim) (graph, vOut, aOut string) {
	var parts []string

	for i, tr := range trims {
		parts = append(parts,
			fmt.Sprintf("[%d:v]trim=start=%.3f:end=%.3f,setpts=PTS-STARTPTS[v%d]",
				i, fsec(tr.start), fsec(tr.end), i),
			fmt.Sprintf("[%d:a]atrim=start=%.3f:end=%.3f,asetpts=PTS-STARTPTS[a%d]",
				i, fsec(tr.start), fsec(tr.end), i),
		)
	}

	curV, curA := "[v0]", "[a0]"
	curDur := trims[0].duration

	for i := 1; i < len(trims); i++ {
		tr := req.Transitions[i-1]
		nextV := fmt.Sprintf("[cv%d]", i)
		nextA := fmt.Sprintf("[ca%d]", i)
		if tr == nil {
			parts = append(parts, fmt.Sprintf("%s%s[v%d][a%d]concat=n=2:v=1:a=1%s%s",
				curV, curA, i, i, nextV, nextA))
			curDur += trims[i].duration
		} else {
			overlap := time.Duration(tr.Duration * float64(time.Second))
			offset := curDur - overlap
			parts = append(parts,
				fmt.Sprintf("%s[v%d]xfade=transition=%s:duration=%.3f:offset=%.3f%s",
					curV, i, xfadeTransitions[tr.Type], tr.Duration, fsec(offset), nextV),
				fmt.Sprintf("%s[a%d]acrossfade=d=%.3f%s", curA, i, tr.Duration, nextA),
			)
			curDur += trims[i].duration - overlap
		}
		curV, curA = nextV, nextA
	}

	if req.Crop != nil {
		c := req.Crop
		parts = append(parts, fmt.Sprintf("%scrop=%d:%d:%d:%d[vcrop]",
			curV, c.Width, c.Height, c.X, c.Y))
		curV = "[vcrop]"
	}

	return strings.Join(parts, ";"), curV, curA
}

// mpegtsEncodeArgs encodes H.264/AAC into a streamable transport
// stream.
func mpegtsEncodeArgs() []string {
	return []string{
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "192k",
		"-f", "mpegts",
	}
}

// webmEncodeArgs encodes VP9/Opus WebM suitable for piping.
func webmEncodeArgs() []string {
	return []string{
		"-c:v", "libvpx-vp9",
		"-crf", "33",
		"-b:v", "0",
		"-row-mt", "1",
		"-c:a", "libopus",
		"-f", "webm",
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
