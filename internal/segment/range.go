package segment

import (
	"fmt"
	"time"
)

// continuityFudge is how much gap between consecutive segments we still
// treat as continuous coverage. Upstream timestamps jitter by a frame
// or two; anything under this is noise, not a hole.
const continuityFudge = 10 * time.Millisecond

// Hole is a sub-interval of a requested range not covered by any
// available segment.
type Hole struct {
	Start time.Time
	End   time.Time
}

func (h Hole) String() string {
	return fmt.Sprintf("[%s, %s)", h.Start.Format(time.RFC3339Nano), h.End.Format(time.RFC3339Nano))
}

// Selection is the result of resolving one requested time range against
// the archive: the chosen segments in ascending start order and any
// uncovered holes.
type Selection struct {
	Start    time.Time
	End      time.Time
	Segments []Segment
	Holes    []Hole
}

// Covered reports whether the selection fully covers its range.
func (sel Selection) Covered() bool { return len(sel.Holes) == 0 }

// Select resolves [start, end) against a segment listing. Input
// segments may be unsorted and may contain duplicates for the same
// start; duplicates are resolved by preferring full over suspect over
// partial, then longest coverage, then lowest hash. The result is
// deterministic for a given set of input segments regardless of input
// order, which is what makes fast cuts byte-identical across nodes.
func Select(segments []Segment, start, end time.Time) Selection {
	sel := Selection{Start: start, End: end}
	if !end.After(start) {
		return sel
	}

	sorted := make([]Segment, len(segments))
	copy(sorted, segments)
	Sort(sorted)

	// Collapse duplicates: Sort puts the preferred segment first within
	// each identical start, so keep only the first per start instant.
	best := sorted[:0]
	for i, seg := range sorted {
		if i > 0 && seg.Start.Equal(sorted[i-1].Start) {
			continue
		}
		best = append(best, seg)
	}

	cursor := start
	for _, seg := range best {
		if !seg.End().After(start) || !seg.Start.Before(end) {
			continue // no intersection with the request
		}
		if !seg.End().After(cursor) {
			continue // an earlier, longer segment already covers this
		}
		if seg.Start.After(cursor.Add(continuityFudge)) {
			holeEnd := seg.Start
			if holeEnd.After(end) {
				holeEnd = end
			}
			sel.Holes = append(sel.Holes, Hole{Start: cursor, End: holeEnd})
		}
		sel.Segments = append(sel.Segments, seg)
		cursor = seg.End()
		if !cursor.Before(end) {
			return sel
		}
	}
	if cursor.Before(end.Add(-continuityFudge)) {
		sel.Holes = append(sel.Holes, Hole{Start: cursor, End: end})
	}
	return sel
}

// Duration sums the durations of the selected segments. For fast cuts
// this is the output duration (endpoints are not trimmed).
func (sel Selection) Duration() time.Duration {
	var d time.Duration
	for _, seg := range sel.Segments {
		d += seg.Duration
	}
	return d
}
