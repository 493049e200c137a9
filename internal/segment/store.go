package segment

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// tempDirName holds in-flight downloads under the archive base. Files
// here are discarded on startup; nothing below it is ever listed.
const tempDirName = ".temp"

// EncodeHash returns the archive's textual form of a SHA-256 digest:
// URL-safe base64 without padding.
func EncodeHash(sum []byte) string {
	return base64.RawURLEncoding.EncodeToString(sum)
}

// HashBytes hashes a full segment body. Mostly a test convenience; the
// Writer hashes incrementally while streaming.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return EncodeHash(sum[:])
}

// Store is a segment archive rooted at one base directory. It is safe
// for concurrent use: writers land files with unique temp names and an
// atomic rename, and filenames are content-addressed so concurrent
// writers of the same bytes collide onto identical names.
type Store struct {
	base   string
	logger *slog.Logger
}

// NewStore opens (creating if needed) an archive at base.
func NewStore(base string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(base, tempDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive base: %w", err)
	}
	return &Store{base: base, logger: logger}, nil
}

// Base returns the archive base directory.
func (s *Store) Base() string { return s.base }

// listDir returns sorted entry names, mapping a missing directory to an
// empty listing. Dotfiles (including the temp area) are skipped.
func (s *Store) listDir(dir string, wantDir bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() != wantDir {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Channels lists channel directories present in the archive.
func (s *Store) Channels() ([]string, error) {
	return s.listDir(s.base, true)
}

// Qualities lists quality directories for a channel.
func (s *Store) Qualities(channel string) ([]string, error) {
	return s.listDir(filepath.Join(s.base, channel), true)
}

// Hours lists hour buckets for a (channel, quality), sorted ascending.
// Hour bucket names sort lexically in chronological order.
func (s *Store) Hours(channel, quality string) ([]string, error) {
	return s.listDir(filepath.Join(s.base, channel, quality), true)
}

// SegmentNames lists raw segment filenames within an hour bucket,
// sorted. A missing hour is an empty listing, not an error.
func (s *Store) SegmentNames(channel, quality, hour string) ([]string, error) {
	return s.listDir(filepath.Join(s.base, channel, quality, hour), false)
}

// Segments lists parsed segment metadata within an hour bucket in
// (start, preference) order. Unparseable filenames are logged and
// skipped so one stray file cannot poison listings.
func (s *Store) Segments(channel, quality, hour string) ([]Segment, error) {
	names, err := s.SegmentNames(channel, quality, hour)
	if err != nil {
		return nil, err
	}
	segments := make([]Segment, 0, len(names))
	for _, name := range names {
		seg, err := ParseName(channel, quality, hour, name)
		if err != nil {
			s.logger.Warn("skipping unparseable segment file",
				slog.String("hour", hour),
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		segments = append(segments, seg)
	}
	Sort(segments)
	return segments, nil
}

// SegmentsInRange lists parsed segments across all hour buckets that
// could intersect [start, end), in order. The scan begins one bucket
// before start's hour so a segment straddling the range start is still
// found; no real segment is anywhere near an hour long.
func (s *Store) SegmentsInRange(channel, quality string, start, end time.Time) ([]Segment, error) {
	var out []Segment
	for hour := start.UTC().Truncate(time.Hour).Add(-time.Hour); !hour.After(end.UTC()); hour = hour.Add(time.Hour) {
		segs, err := s.Segments(channel, quality, hour.Format(HourFormat))
		if err != nil {
			return nil, err
		}
		out = append(out, segs...)
	}
	return out, nil
}

// Path returns the absolute path of a segment file.
func (s *Store) Path(seg Segment) string {
	return filepath.Join(s.base, filepath.FromSlash(seg.Path()))
}

// Exists reports whether the exact segment file is present.
func (s *Store) Exists(seg Segment) bool {
	_, err := os.Stat(s.Path(seg))
	return err == nil
}

// Open opens a named segment file for reading. The name must already
// have passed ParseName; this only joins paths.
func (s *Store) Open(channel, quality, hour, name string) (*os.File, error) {
	return os.Open(filepath.Join(s.base, channel, quality, hour, name))
}

// CleanTemp removes leftover temp files from a previous run. Safe to
// call on startup before any Writer exists.
func (s *Store) CleanTemp() (int, error) {
	dir := filepath.Join(s.base, tempDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("listing temp dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Writer streams one segment body into the temp area, hashing as it
// goes, and atomically publishes it into the archive on Finalize.
type Writer struct {
	store    *Store
	channel  string
	quality  string
	file     *os.File
	hasher   hash.Hash
	written  int64
	finished bool
}

// NewWriter starts a segment write for (channel, quality).
func (s *Store) NewWriter(channel, quality string) (*Writer, error) {
	name := filepath.Join(s.base, tempDirName, uuid.NewString()+".ts.tmp")
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating temp segment: %w", err)
	}
	return &Writer{
		store:   s,
		channel: channel,
		quality: quality,
		file:    f,
		hasher:  sha256.New(),
	}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.hasher.Write(p[:n])
	w.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("writing temp segment: %w", err)
	}
	return n, nil
}

// Written returns the number of bytes accepted so far.
func (w *Writer) Written() int64 { return w.written }

// TempPath returns the temp file path. The downloader probes the
// container timing here before deciding the segment's type.
func (w *Writer) TempPath() string { return w.file.Name() }

// Hash returns the archive-form hash of the bytes written so far.
func (w *Writer) Hash() string {
	return EncodeHash(w.hasher.Sum(nil))
}

// Abort discards the temp file. Calling Abort after Finalize is a no-op.
func (w *Writer) Abort() {
	if w.finished {
		return
	}
	w.finished = true
	name := w.file.Name()
	w.file.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		w.store.logger.Warn("removing aborted temp segment",
			slog.String("path", name),
			slog.String("error", err.Error()),
		)
	}
}

// Finalize fsyncs the temp file and renames it to its content-addressed
// name. If an identical file already exists the temp copy is dropped
// and the existing segment returned; the bytes are equal by definition.
func (w *Writer) Finalize(start time.Time, duration time.Duration, typ Type) (Segment, error) {
	if w.finished {
		return Segment{}, fmt.Errorf("segment writer already finished")
	}
	w.finished = true

	seg := Segment{
		Channel:  w.channel,
		Quality:  w.quality,
		Start:    start.UTC(),
		Duration: duration,
		Type:     typ,
		Hash:     w.Hash(),
	}

	tempName := w.file.Name()
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(tempName)
		return Segment{}, fmt.Errorf("syncing temp segment: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(tempName)
		return Segment{}, fmt.Errorf("closing temp segment: %w", err)
	}

	final := w.store.Path(seg)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		os.Remove(tempName)
		return Segment{}, fmt.Errorf("creating hour bucket: %w", err)
	}
	if w.store.Exists(seg) {
		// Same name means same bytes; keep the existing file.
		os.Remove(tempName)
		return seg, nil
	}
	if err := os.Rename(tempName, final); err != nil {
		os.Remove(tempName)
		return Segment{}, fmt.Errorf("publishing segment: %w", err)
	}
	return seg, nil
}

// VerifyFile re-hashes a segment file on disk and compares against the
// hash its filename declares. Used by tests and the backfiller.
func (s *Store) VerifyFile(seg Segment) error {
	f, err := os.Open(s.Path(seg))
	if err != nil {
		return fmt.Errorf("opening segment: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing segment: %w", err)
	}
	if got := EncodeHash(h.Sum(nil)); got != seg.Hash {
		return fmt.Errorf("segment hash mismatch: filename says %s, contents are %s", seg.Hash, got)
	}
	return nil
}
