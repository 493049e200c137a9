package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/oklog/ulid/v2"

	"github.com/dbvideostriketeam/wubloader/internal/config"
)

// localBackend writes finished videos into a directory. The video ID is
// the filename; metadata rides in a sidecar JSON and the thumbnail in a
// sidecar PNG, so everything about one video greps by its ID.
type localBackend struct {
	dir    string
	logger *slog.Logger
}

func newLocalBackend(lc config.LocationConfig, logger *slog.Logger) (*localBackend, error) {
	if lc.Path == "" {
		return nil, fmt.Errorf("local backend requires path")
	}
	if err := os.MkdirAll(lc.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &localBackend{dir: lc.Path, logger: logger}, nil
}

func (b *localBackend) Capabilities() Capabilities {
	return Capabilities{EditMetadata: true, SetThumbnail: true}
}

// slugify reduces a title to a safe filename stem.
func slugify(title string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastDash = false
		case !lastDash:
			sb.WriteByte('-')
			lastDash = true
		}
	}
	s := strings.Trim(sb.String(), "-")
	if len(s) > 64 {
		s = s[:64]
	}
	if s == "" {
		s = "video"
	}
	return s
}

func extensionFor(contentType string) string {
	if contentType == "video/webm" {
		return ".webm"
	}
	return ".ts"
}

func (b *localBackend) Begin(ctx context.Context, meta Metadata) (Upload, error) {
	videoID := fmt.Sprintf("%s-%s%s", slugify(meta.Title), ulid.Make().String(), extensionFor(meta.ContentType))
	f, err := os.CreateTemp(b.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating upload temp file: %w", err)
	}
	return &localUpload{backend: b, meta: meta, videoID: videoID, file: f}, nil
}

type localUpload struct {
	backend  *localBackend
	meta     Metadata
	videoID  string
	file     *os.File
	finished bool
}

func (u *localUpload) Write(p []byte) (int, error) {
	return u.file.Write(p)
}

func (u *localUpload) Commit(ctx context.Context) (string, string, error) {
	if u.finished {
		return "", "", fmt.Errorf("upload already finished")
	}
	u.finished = true

	tempName := u.file.Name()
	if err := u.file.Sync(); err != nil {
		u.file.Close()
		os.Remove(tempName)
		return "", "", fmt.Errorf("syncing upload: %w", err)
	}
	if err := u.file.Close(); err != nil {
		os.Remove(tempName)
		return "", "", fmt.Errorf("closing upload: %w", err)
	}
	final := filepath.Join(u.backend.dir, u.videoID)
	if err := os.Rename(tempName, final); err != nil {
		os.Remove(tempName)
		return "", "", fmt.Errorf("publishing upload: %w", err)
	}
	if err := u.backend.writeSidecar(u.videoID, u.meta); err != nil {
		return "", "", err
	}
	return u.videoID, final, nil
}

func (u *localUpload) Abort() {
	if u.finished {
		return
	}
	u.finished = true
	name := u.file.Name()
	u.file.Close()
	os.Remove(name)
}

func (b *localBackend) writeSidecar(videoID string, meta Metadata) error {
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(b.dir, videoID+".json"), payload, 0o644); err != nil {
		return fmt.Errorf("writing metadata sidecar: %w", err)
	}
	return nil
}

// QueryStatus: a local file is done the instant it is renamed into
// place, or failed if someone deleted it since.
func (b *localBackend) QueryStatus(ctx context.Context, videoID string) (Status, string, error) {
	final := filepath.Join(b.dir, videoID)
	if _, err := os.Stat(final); err != nil {
		if os.IsNotExist(err) {
			return StatusFailed, "", nil
		}
		return "", "", err
	}
	return StatusDone, final, nil
}

func (b *localBackend) ModifyMetadata(ctx context.Context, videoID string, meta Metadata) error {
	if _, err := os.Stat(filepath.Join(b.dir, videoID)); err != nil {
		return fmt.Errorf("no such video %s: %w", videoID, err)
	}
	return b.writeSidecar(videoID, meta)
}

func (b *localBackend) SetThumbnail(ctx context.Context, videoID string, image []byte) error {
	if _, err := os.Stat(filepath.Join(b.dir, videoID)); err != nil {
		return fmt.Errorf("no such video %s: %w", videoID, err)
	}
	if err := os.WriteFile(filepath.Join(b.dir, videoID+".png"), image, 0o644); err != nil {
		return fmt.Errorf("writing thumbnail: %w", err)
	}
	return nil
}
