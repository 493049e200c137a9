// Package mpegts inspects MPEG-TS segment files. The downloader and
// backfiller use it to sanity-check timing on segments whose duration
// looks wrong, and the cutter uses it to measure what actually landed
// on disk rather than trusting playlist metadata.
package mpegts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/asticode/go-astits"
)

// ptsWrap is the modulus of the 33-bit PTS counter in 90kHz ticks.
const ptsWrap = int64(1) << 33

// Info summarises the presentation timing of a transport stream.
type Info struct {
	// FirstPTS and LastPTS are the smallest and largest presentation
	// timestamps seen, measured from the start of the 90kHz clock and
	// unwrapped across the 33-bit rollover.
	FirstPTS time.Duration
	LastPTS  time.Duration
	// Packets counts PES packets carrying a PTS.
	Packets int
}

// Duration is the span between the first and last presentation
// timestamp. It understates the real media duration by roughly one
// frame, which is fine for the coarse checks we do with it.
func (i Info) Duration() time.Duration {
	return i.LastPTS - i.FirstPTS
}

// ErrNoTimestamps is returned when a stream demuxed cleanly but carried
// no PES packets with a PTS.
var ErrNoTimestamps = errors.New("transport stream has no presentation timestamps")

// Probe demuxes a transport stream and collects its timing info. It
// reads the whole stream; callers probing large files should pass a
// cancellable context.
func Probe(ctx context.Context, r io.Reader) (Info, error) {
	dmx := astits.NewDemuxer(ctx, r)

	var (
		info  Info
		first = true
		prev  int64
		// accumulated wrap offset in ticks
		offset int64
		minPTS int64
		maxPTS int64
	)

	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return Info{}, fmt.Errorf("demuxing transport stream: %w", err)
		}
		if d.PES == nil || d.PES.Header == nil || d.PES.Header.OptionalHeader == nil {
			continue
		}
		pts := d.PES.Header.OptionalHeader.PTS
		if pts == nil {
			continue
		}

		base := pts.Base
		if !first && base < prev-ptsWrap/2 {
			// 33-bit rollover mid-stream
			offset += ptsWrap
		}
		prev = base
		base += offset

		if first {
			minPTS, maxPTS = base, base
			first = false
		} else {
			if base < minPTS {
				minPTS = base
			}
			if base > maxPTS {
				maxPTS = base
			}
		}
		info.Packets++
	}

	if first {
		return Info{}, ErrNoTimestamps
	}

	info.FirstPTS = ticksToDuration(minPTS)
	info.LastPTS = ticksToDuration(maxPTS)
	return info, nil
}

func ticksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks) * time.Second / 90000
}
