package restreamer

import (
	"fmt"
	"strings"
	"time"

	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

// discontinuityFudge is how much gap between consecutive playlist
// entries still counts as continuous playback. Matches the tolerance
// used when resolving segment coverage.
const discontinuityFudge = 10 * time.Millisecond

// synthesizePlaylist renders a VOD playlist for a resolved selection.
// Segment URIs point back at this server's raw segment route. Holes in
// coverage become EXT-X-DISCONTINUITY markers so players reset their
// decoders instead of stalling.
func synthesizePlaylist(sel segment.Selection) ([]byte, error) {
	targetDuration := 1
	for _, seg := range sel.Segments {
		if d := int(seg.Duration.Seconds() + 0.999); d > targetDuration {
			targetDuration = d
		}
	}

	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n")
	sb.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	fmt.Fprintf(&sb, "#EXT-X-TARGETDURATION:%d\n", targetDuration)
	sb.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")

	var prevEnd time.Time
	for i, seg := range sel.Segments {
		if i > 0 && seg.Start.After(prevEnd.Add(discontinuityFudge)) {
			sb.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&sb, "#EXT-X-PROGRAM-DATE-TIME:%s\n",
			seg.Start.UTC().Format("2006-01-02T15:04:05.000Z"))
		fmt.Fprintf(&sb, "#EXTINF:%.3f,\n", seg.Duration.Seconds())
		fmt.Fprintf(&sb, "/segments/%s/%s/%s/%s\n",
			seg.Channel, seg.Quality, seg.Hour(), seg.Filename())
		prevEnd = seg.End()
	}
	sb.WriteString("#EXT-X-ENDLIST\n")

	return []byte(sb.String()), nil
}
