package downloader

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// QualitySource selects the highest-bandwidth variant of a master
// playlist.
const QualitySource = "source"

func unmarshalMediaPlaylist(data []byte) (*playlist.Media, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist, got multivariant")
	}
	return media, nil
}

// selectVariant picks the media playlist URI for a quality from a
// parsed playlist. A media playlist passed directly matches any
// quality. On a master playlist, "source" means highest bandwidth and
// any other quality must appear in a variant URI.
func selectVariant(data []byte, quality string) (uri string, isMaster bool, err error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return "", false, fmt.Errorf("parsing playlist: %w", err)
	}

	switch p := pl.(type) {
	case *playlist.Media:
		return "", false, nil
	case *playlist.Multivariant:
		if len(p.Variants) == 0 {
			return "", true, fmt.Errorf("master playlist has no variants")
		}
		variants := make([]*playlist.MultivariantVariant, len(p.Variants))
		copy(variants, p.Variants)
		sort.Slice(variants, func(i, j int) bool {
			return variants[i].Bandwidth > variants[j].Bandwidth
		})
		if quality == QualitySource {
			return variants[0].URI, true, nil
		}
		for _, v := range variants {
			if strings.Contains(v.URI, quality) {
				return v.URI, true, nil
			}
		}
		return "", true, fmt.Errorf("no variant matches quality %q", quality)
	default:
		return "", false, fmt.Errorf("unknown playlist type")
	}
}

// absolutizeURL converts a relative URI to absolute based on the
// playlist URL it came from.
func absolutizeURL(playlistURL, segmentURL string) string {
	if strings.HasPrefix(segmentURL, "http://") || strings.HasPrefix(segmentURL, "https://") {
		return segmentURL
	}
	base, err := url.Parse(playlistURL)
	if err != nil {
		if idx := strings.LastIndex(playlistURL, "/"); idx >= 0 {
			return playlistURL[:idx+1] + segmentURL
		}
		return segmentURL
	}
	ref, err := url.Parse(segmentURL)
	if err != nil {
		return segmentURL
	}
	return base.ResolveReference(ref).String()
}
