// Package uploader abstracts the destinations finished cuts are sent
// to. A backend accepts a streamed upload and later answers status and
// metadata calls about the video it produced. Two backends ship: local
// filesystem and generic HTTP PUT. Anything fancier is a new Backend
// implementation behind the same interface.
package uploader

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dbvideostriketeam/wubloader/internal/config"
)

// Status is a destination's view of a committed video.
type Status string

const (
	// StatusTranscoding means the destination is still processing.
	StatusTranscoding Status = "transcoding"
	// StatusDone means the video is ready at its final link.
	StatusDone Status = "done"
	// StatusFailed means the destination rejected or lost the video.
	StatusFailed Status = "failed"
)

// Capabilities advertises what a backend can do beyond the initial
// upload. The cutter checks these before claiming work that would need
// them.
type Capabilities struct {
	// NeedsTranscode: commits land in TRANSCODING instead of DONE.
	NeedsTranscode bool
	// EditMetadata: ModifyMetadata is implemented.
	EditMetadata bool
	// SetThumbnail: SetThumbnail is implemented.
	SetThumbnail bool
}

// Metadata describes a video to the destination.
type Metadata struct {
	Title       string
	Description string
	Tags        []string
	Public      bool
	// ContentType is the MIME type of the uploaded bytes.
	ContentType string
}

// Upload is one in-flight streamed upload. Write the video bytes, then
// Commit exactly once; Abort after Commit is a no-op.
type Upload interface {
	io.Writer
	// Commit finishes the upload and returns the destination's video ID
	// and public link.
	Commit(ctx context.Context) (videoID, link string, err error)
	// Abort discards the upload.
	Abort()
}

// Backend is one upload destination.
type Backend interface {
	Capabilities() Capabilities
	Begin(ctx context.Context, meta Metadata) (Upload, error)
	// QueryStatus reports on a committed video. Backends that never
	// transcode may return StatusDone unconditionally.
	QueryStatus(ctx context.Context, videoID string) (Status, string, error)
	ModifyMetadata(ctx context.Context, videoID string, meta Metadata) error
	SetThumbnail(ctx context.Context, videoID string, image []byte) error
}

// Location pairs a backend with the cut flavour its uploads use.
type Location struct {
	Name    string
	Backend Backend
	CutType string
}

// NewLocations builds the location registry from configuration.
func NewLocations(cfgs map[string]config.LocationConfig, logger *slog.Logger) (map[string]*Location, error) {
	if logger == nil {
		logger = slog.Default()
	}
	locations := make(map[string]*Location, len(cfgs))
	for name, lc := range cfgs {
		backend, err := newBackend(lc, logger.With(slog.String("location", name)))
		if err != nil {
			return nil, fmt.Errorf("location %s: %w", name, err)
		}
		cutType := lc.CutType
		if cutType == "" {
			cutType = "smart"
		}
		locations[name] = &Location{Name: name, Backend: backend, CutType: cutType}
	}
	return locations, nil
}

func newBackend(lc config.LocationConfig, logger *slog.Logger) (Backend, error) {
	switch lc.Backend {
	case "local":
		return newLocalBackend(lc, logger)
	case "http":
		return newHTTPBackend(lc, logger)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", lc.Backend)
	}
}
