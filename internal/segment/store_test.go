package segment_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbvideostriketeam/wubloader/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *segment.Store {
	t.Helper()
	store, err := segment.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return store
}

func writeSegment(t *testing.T, store *segment.Store, start string, body []byte, typ segment.Type) segment.Segment {
	t.Helper()
	w, err := store.NewWriter("alpha", "source")
	require.NoError(t, err)
	_, err = w.Write(body)
	require.NoError(t, err)
	seg, err := w.Finalize(mustTime(t, start), 2*time.Second, typ)
	require.NoError(t, err)
	return seg
}

func TestWriterPublishesContentAddressedFile(t *testing.T) {
	store := newStore(t)
	body := []byte("fake mpegts bytes")

	seg := writeSegment(t, store, "2024-11-02T00:00:00Z", body, segment.TypeFull)
	assert.Equal(t, segment.HashBytes(body), seg.Hash)
	assert.True(t, store.Exists(seg))
	assert.NoError(t, store.VerifyFile(seg))

	got, err := os.ReadFile(store.Path(seg))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestWriterIsIdempotent(t *testing.T) {
	store := newStore(t)
	body := []byte("same bytes twice")

	first := writeSegment(t, store, "2024-11-02T00:00:00Z", body, segment.TypeFull)
	second := writeSegment(t, store, "2024-11-02T00:00:00Z", body, segment.TypeFull)
	assert.Equal(t, first, second)

	names, err := store.SegmentNames("alpha", "source", "2024-11-02T00")
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestWriterAbortLeavesNoFile(t *testing.T) {
	store := newStore(t)
	w, err := store.NewWriter("alpha", "source")
	require.NoError(t, err)
	_, err = w.Write([]byte("half a segment"))
	require.NoError(t, err)
	w.Abort()

	hours, err := store.Hours("alpha", "source")
	require.NoError(t, err)
	assert.Empty(t, hours)

	removed, err := store.CleanTemp()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCleanTempDiscardsLeftovers(t *testing.T) {
	store := newStore(t)
	// Simulate a crash: a stale temp file from a previous process.
	stale := filepath.Join(store.Base(), ".temp", "dead.ts.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("junk"), 0o644))

	removed, err := store.CleanTemp()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestListingsAreSortedAndTolerant(t *testing.T) {
	store := newStore(t)
	writeSegment(t, store, "2024-11-02T01:00:04Z", []byte("b"), segment.TypeFull)
	writeSegment(t, store, "2024-11-02T00:00:00Z", []byte("a"), segment.TypeFull)
	writeSegment(t, store, "2024-11-02T01:00:00Z", []byte("c"), segment.TypeSuspect)

	// A stray unparseable file must not break listings.
	junk := filepath.Join(store.Base(), "alpha", "source", "2024-11-02T01", "README.txt")
	require.NoError(t, os.WriteFile(junk, []byte("not a segment"), 0o644))

	hours, err := store.Hours("alpha", "source")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-11-02T00", "2024-11-02T01"}, hours)

	segs, err := store.Segments("alpha", "source", "2024-11-02T01")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.True(t, segs[0].Start.Before(segs[1].Start))

	missing, err := store.Segments("alpha", "source", "2024-11-02T07")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestSegmentsInRangeSpansHourBuckets(t *testing.T) {
	store := newStore(t)
	writeSegment(t, store, "2024-11-02T00:59:58Z", []byte("a"), segment.TypeFull)
	writeSegment(t, store, "2024-11-02T01:00:00Z", []byte("b"), segment.TypeFull)
	writeSegment(t, store, "2024-11-02T01:00:02Z", []byte("c"), segment.TypeFull)

	segs, err := store.SegmentsInRange("alpha", "source",
		mustTime(t, "2024-11-02T00:59:59Z"), mustTime(t, "2024-11-02T01:00:01Z"))
	require.NoError(t, err)
	assert.Len(t, segs, 3)
}

func TestVerifyFileDetectsCorruption(t *testing.T) {
	store := newStore(t)
	seg := writeSegment(t, store, "2024-11-02T00:00:00Z", []byte("original"), segment.TypeFull)

	// Corrupt in place. The archive never does this; a flaky peer might
	// hand us bytes that do not match the name it advertised.
	require.NoError(t, os.WriteFile(store.Path(seg), []byte("tampered"), 0o644))
	assert.Error(t, store.VerifyFile(seg))
}
