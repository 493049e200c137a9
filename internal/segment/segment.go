// Package segment implements the on-disk segment archive: the
// content-addressed filename grammar, hour-bucket listings, atomic
// segment writes and the time-range selection algorithm.
package segment

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// HourFormat is the wall-clock hour bucket directory name layout (UTC).
const HourFormat = "2006-01-02T15"

// Type classifies how trustworthy a segment's contents are.
type Type string

const (
	// TypeFull is a complete segment with no known problems.
	TypeFull Type = "full"
	// TypeSuspect is complete but recorded around a discontinuity or
	// with a duration that disagrees with the upstream playlist.
	TypeSuspect Type = "suspect"
	// TypePartial was truncated mid-download; bytes up to the cut are valid.
	TypePartial Type = "partial"
)

// typeRank orders types for duplicate resolution. Lower is better.
func typeRank(t Type) int {
	switch t {
	case TypeFull:
		return 0
	case TypeSuspect:
		return 1
	case TypePartial:
		return 2
	default:
		return 3
	}
}

// ParseType validates a type tag from a filename or request.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeFull, TypeSuspect, TypePartial:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown segment type %q", s)
}

// Segment identifies one immutable MPEG-TS file in the archive.
// The zero value is not valid; construct via ParseName or a Writer.
type Segment struct {
	Channel  string
	Quality  string
	Start    time.Time // wall clock, UTC
	Duration time.Duration
	Type     Type
	// Hash is the URL-safe unpadded base64 SHA-256 of the file bytes.
	Hash string
}

// Hour returns the hour bucket directory name containing this segment.
func (s Segment) Hour() string {
	return s.Start.UTC().Format(HourFormat)
}

// End returns the wall-clock instant the segment's coverage ends.
func (s Segment) End() time.Time {
	return s.Start.Add(s.Duration)
}

// Filename returns the basename: MM-SS.mmm-DURATION-TYPE-HASH.ts.
// Within one hour bucket, lexical order equals chronological order.
func (s Segment) Filename() string {
	start := s.Start.UTC()
	return fmt.Sprintf("%02d-%06.3f-%.3f-%s-%s.ts",
		start.Minute(),
		float64(start.Second())+float64(start.Nanosecond())/1e9,
		s.Duration.Seconds(),
		s.Type,
		s.Hash,
	)
}

// Path returns the segment's path relative to the archive base:
// channel/quality/hour/filename.
func (s Segment) Path() string {
	return path.Join(s.Channel, s.Quality, s.Hour(), s.Filename())
}

// ParseName parses a segment basename within the given channel, quality
// and hour bucket. It is the inverse of Filename.
func ParseName(channel, quality, hour, name string) (Segment, error) {
	base, ok := strings.CutSuffix(name, ".ts")
	if !ok {
		return Segment{}, fmt.Errorf("segment name %q: missing .ts suffix", name)
	}

	// MM-SS.mmm-DURATION-TYPE-HASH. The base64url alphabet includes
	// '-', so split from the left with a fixed field count; any dashes
	// in the hash stay in the final field.
	parts := strings.SplitN(base, "-", 5)
	if len(parts) != 5 {
		return Segment{}, fmt.Errorf("segment name %q: want 5 fields, got %d", name, len(parts))
	}

	hourStart, err := time.Parse(HourFormat, hour)
	if err != nil {
		return Segment{}, fmt.Errorf("parsing hour %q: %w", hour, err)
	}

	minute, err := strconv.Atoi(parts[0])
	if err != nil || minute < 0 || minute > 59 {
		return Segment{}, fmt.Errorf("segment name %q: bad minute field %q", name, parts[0])
	}
	second, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || second < 0 || second >= 60 {
		return Segment{}, fmt.Errorf("segment name %q: bad second field %q", name, parts[1])
	}
	durationSec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || durationSec < 0 {
		return Segment{}, fmt.Errorf("segment name %q: bad duration field %q", name, parts[2])
	}
	typ, err := ParseType(parts[3])
	if err != nil {
		return Segment{}, fmt.Errorf("segment name %q: %w", name, err)
	}
	if parts[4] == "" {
		return Segment{}, fmt.Errorf("segment name %q: empty hash field", name)
	}

	start := hourStart.
		Add(time.Duration(minute) * time.Minute).
		Add(time.Duration(second * float64(time.Second)))

	return Segment{
		Channel:  channel,
		Quality:  quality,
		Start:    start.UTC(),
		Duration: time.Duration(durationSec * float64(time.Second)),
		Type:     typ,
		Hash:     parts[4],
	}, nil
}

// less orders segments by start, then by duplicate preference
// (full > suspect > partial, longest coverage, lowest hash). The
// ordering is total for distinct files, which keeps selection
// deterministic across nodes holding the same archive.
func less(a, b Segment) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	if ra, rb := typeRank(a.Type), typeRank(b.Type); ra != rb {
		return ra < rb
	}
	if a.Duration != b.Duration {
		return a.Duration > b.Duration
	}
	return a.Hash < b.Hash
}

// Sort orders segments in place by start time with the duplicate
// preference order as tie-break.
func Sort(segments []Segment) {
	sort.Slice(segments, func(i, j int) bool { return less(segments[i], segments[j]) })
}
