package cutter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dbvideostriketeam/wubloader/internal/config"
	"github.com/dbvideostriketeam/wubloader/internal/models"
	"github.com/dbvideostriketeam/wubloader/internal/repository"
	"github.com/dbvideostriketeam/wubloader/internal/restreamer"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
	"github.com/dbvideostriketeam/wubloader/internal/uploader"
)

var archiveStart = time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

type harness struct {
	cutter    *Cutter
	events    repository.EventRepository
	store     *segment.Store
	uploadDir string
}

// newHarness wires a cutter against an in-memory database, a seeded
// archive served by a real restreamer, and a local upload location.
func newHarness(t *testing.T) *harness {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open("file:cutter_test?mode=memory&cache=private"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.Event{}))
	events := repository.NewEventRepository(gdb)

	store, err := segment.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	for i, data := range []string{"AAAA", "BBBB"} {
		w, err := store.NewWriter("twitch", "source")
		require.NoError(t, err)
		_, err = io.WriteString(w, data)
		require.NoError(t, err)
		_, err = w.Finalize(archiveStart.Add(time.Duration(i)*2*time.Second), 2*time.Second, segment.TypeFull)
		require.NoError(t, err)
	}

	cfg := &config.Config{
		Node:    config.NodeConfig{Name: "node1"},
		Storage: config.StorageConfig{BaseDir: store.Base()},
	}
	r := restreamer.New(cfg, store, nil, "test", nil)
	srv := httptest.NewServer(r.Router())
	t.Cleanup(srv.Close)

	uploadDir := t.TempDir()
	locations, err := uploader.NewLocations(map[string]config.LocationConfig{
		"archive": {Backend: "local", Path: uploadDir, CutType: "fast"},
	}, nil)
	require.NoError(t, err)

	return &harness{
		cutter:    New(cfg, events, locations, restreamer.NewClient(srv.URL, nil), store, nil),
		events:    events,
		store:     store,
		uploadDir: uploadDir,
	}
}

func (h *harness) newEditedEvent(t *testing.T) *models.Event {
	t.Helper()
	ev := &models.Event{
		State:          models.StateEdited,
		VideoChannel:   "twitch",
		VideoQuality:   "source",
		VideoTitle:     "Test Run",
		UploadLocation: "archive",
		Ranges: models.TimeRangeList{
			{Start: archiveStart, End: archiveStart.Add(4 * time.Second)},
		},
		RangeTransitions: models.TransitionList{},
	}
	require.NoError(t, h.events.Create(context.Background(), ev))
	return ev
}

func TestClaimAndUploadEndToEnd(t *testing.T) {
	h := newHarness(t)
	ev := h.newEditedEvent(t)
	ctx := context.Background()

	require.True(t, h.cutter.claimOnce(ctx))

	got, err := h.events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateDone, got.State)
	assert.Equal(t, "node1", got.Uploader)
	assert.NotEmpty(t, got.VideoID)
	assert.NotEmpty(t, got.VideoLink)
	require.NotNil(t, got.UploadTime)

	data, err := os.ReadFile(got.VideoLink)
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBB", string(data), "fast cut is the byte concatenation")

	sidecar, err := os.ReadFile(filepath.Join(h.uploadDir, got.VideoID+".json"))
	require.NoError(t, err)
	var meta uploader.Metadata
	require.NoError(t, json.Unmarshal(sidecar, &meta))
	assert.Equal(t, "Test Run", meta.Title)

	// Nothing left to claim.
	assert.False(t, h.cutter.claimOnce(ctx))
}

func TestModifiedClaimableAfterFreshUpload(t *testing.T) {
	h := newHarness(t)
	ev := h.newEditedEvent(t)
	ctx := context.Background()

	require.True(t, h.cutter.claimOnce(ctx))
	got, err := h.events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateDone, got.State)
	require.Equal(t, "node1", got.Uploader)

	// An editor corrects the title after the upload went out. The row
	// still carries the uploader of the original cut; that must not
	// fence the touch-up out of the claim loop.
	require.NoError(t, h.events.Transition(ctx, ev.ID, models.StateDone, models.StateModified, map[string]any{
		"video_title": "corrected title",
	}))

	require.True(t, h.cutter.claimOnce(ctx))
	got, err = h.events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, got.State)

	sidecar, err := os.ReadFile(filepath.Join(h.uploadDir, got.VideoID+".json"))
	require.NoError(t, err)
	var meta uploader.Metadata
	require.NoError(t, json.Unmarshal(sidecar, &meta))
	assert.Equal(t, "corrected title", meta.Title)
}

func TestUncoveredEventNotClaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The range runs far past what the archive holds, with holes not
	// allowed: claiming it would only kick it back to the editor, so it
	// stays EDITED for a peer with better coverage.
	ev := &models.Event{
		State:            models.StateEdited,
		VideoChannel:     "twitch",
		VideoQuality:     "source",
		VideoTitle:       "Past The Archive",
		UploadLocation:   "archive",
		Ranges:           models.TimeRangeList{{Start: archiveStart, End: archiveStart.Add(30 * time.Second)}},
		RangeTransitions: models.TransitionList{},
	}
	require.NoError(t, h.events.Create(ctx, ev))

	assert.False(t, h.cutter.claimOnce(ctx))
	got, err := h.events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateEdited, got.State)
	assert.Empty(t, got.Uploader)

	// The same range with holes allowed passes the gate and cuts what
	// there is.
	allowed := &models.Event{
		State:            models.StateEdited,
		VideoChannel:     "twitch",
		VideoQuality:     "source",
		VideoTitle:       "Best Effort",
		UploadLocation:   "archive",
		AllowHoles:       true,
		Ranges:           models.TimeRangeList{{Start: archiveStart, End: archiveStart.Add(30 * time.Second)}},
		RangeTransitions: models.TransitionList{},
	}
	require.NoError(t, h.events.Create(ctx, allowed))

	require.True(t, h.cutter.claimOnce(ctx))
	got, err = h.events.GetByID(ctx, allowed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, got.State)
}

func TestHolesReleaseToUnedited(t *testing.T) {
	h := newHarness(t)
	ev := h.newEditedEvent(t)
	ctx := context.Background()

	// Extend the range past the archive: a hole the editor did not
	// allow.
	ev.Ranges = models.TimeRangeList{{Start: archiveStart, End: archiveStart.Add(30 * time.Second)}}
	claimed, err := h.events.Claim(ctx, ev.ID, models.StateEdited, "node1")
	require.NoError(t, err)
	claimed.Ranges = ev.Ranges

	h.cutter.processEdited(ctx, claimed)

	got, err := h.events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateUnedited, got.State)
	assert.Contains(t, got.Error, "cut rejected")
	assert.Equal(t, "node1", got.Uploader, "permanent failures keep the uploader for the postmortem")

	entries, err := os.ReadDir(h.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnknownLocationReleasesToUnedited(t *testing.T) {
	h := newHarness(t)
	ev := h.newEditedEvent(t)
	ctx := context.Background()

	claimed, err := h.events.Claim(ctx, ev.ID, models.StateEdited, "node1")
	require.NoError(t, err)
	claimed.UploadLocation = "nowhere"

	h.cutter.processEdited(ctx, claimed)

	got, err := h.events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateUnedited, got.State)
	assert.Contains(t, got.Error, "no such upload location")
}

func TestProcessModifiedUpdatesMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Upload something first so there is a video to modify.
	loc := h.cutter.locations["archive"]
	up, err := loc.Backend.Begin(ctx, uploader.Metadata{Title: "original"})
	require.NoError(t, err)
	io.WriteString(up, "video")
	videoID, link, err := up.Commit(ctx)
	require.NoError(t, err)

	ev := &models.Event{
		State:          models.StateModified,
		VideoChannel:   "twitch",
		VideoQuality:   "source",
		VideoTitle:     "corrected title",
		UploadLocation: "archive",
		VideoID:        videoID,
		VideoLink:      link,
	}
	require.NoError(t, h.events.Create(ctx, ev))

	require.True(t, h.cutter.claimOnce(ctx))

	got, err := h.events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, got.State)
	assert.Equal(t, "node1", got.Uploader, "the uploader column records who applied the change")

	sidecar, err := os.ReadFile(filepath.Join(h.uploadDir, videoID+".json"))
	require.NoError(t, err)
	var meta uploader.Metadata
	require.NoError(t, json.Unmarshal(sidecar, &meta))
	assert.Equal(t, "corrected title", meta.Title)
}

// stubBackend lets transcode poller tests script destination answers.
type stubBackend struct {
	status uploader.Status
	link   string
}

func (s *stubBackend) Capabilities() uploader.Capabilities {
	return uploader.Capabilities{NeedsTranscode: true, EditMetadata: true, SetThumbnail: true}
}

func (s *stubBackend) Begin(context.Context, uploader.Metadata) (uploader.Upload, error) {
	return nil, nil
}

func (s *stubBackend) QueryStatus(context.Context, string) (uploader.Status, string, error) {
	return s.status, s.link, nil
}

func (s *stubBackend) ModifyMetadata(context.Context, string, uploader.Metadata) error {
	return nil
}

func (s *stubBackend) SetThumbnail(context.Context, string, []byte) error {
	return nil
}

func TestTranscodePollerAdvancesRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stub := &stubBackend{status: uploader.StatusTranscoding}
	h.cutter.locations["site"] = &uploader.Location{Name: "site", Backend: stub, CutType: "full"}

	ev := &models.Event{
		State:          models.StateTranscoding,
		VideoChannel:   "twitch",
		VideoQuality:   "source",
		UploadLocation: "site",
		VideoID:        "vid123",
		Uploader:       "node2", // someone else's upload
	}
	require.NoError(t, h.events.Create(ctx, ev))

	// Still transcoding: nothing moves.
	h.cutter.pollTranscoding(ctx)
	got, err := h.events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateTranscoding, got.State)

	// Done: any cutter advances any row, regardless of uploader.
	stub.status = uploader.StatusDone
	stub.link = "https://videos.example/vid123"
	h.cutter.pollTranscoding(ctx)
	got, err = h.events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, got.State)
	assert.Equal(t, "https://videos.example/vid123", got.VideoLink)
	assert.Equal(t, "node2", got.Uploader)
}

func TestUploadLocationsCapabilityFilter(t *testing.T) {
	h := newHarness(t)
	all := h.cutter.uploadLocations(false)
	assert.Equal(t, []string{"archive"}, all)

	// The local backend can edit metadata, so the filter keeps it.
	withEdit := h.cutter.uploadLocations(true)
	assert.Equal(t, []string{"archive"}, withEdit)
}

func TestIsRejectedCut(t *testing.T) {
	rejected := fmt.Errorf("cut refused: %w", &restreamer.StatusError{Code: http.StatusBadRequest, Reason: "hole in coverage"})
	assert.True(t, isRejectedCut(rejected))

	failed := fmt.Errorf("cut refused: %w", &restreamer.StatusError{Code: http.StatusInternalServerError, Reason: "disk gone"})
	assert.False(t, isRejectedCut(failed))
	assert.False(t, isRejectedCut(fmt.Errorf("connection refused")))
	assert.False(t, isRejectedCut(nil))
}
