package restreamer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
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
	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

func testConfig(base string) *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{BaseDir: base},
		Backfiller: config.BackfillerConfig{
			ExtraDirs: []string{"chat_logs"},
		},
	}
}

func testRestreamer(t *testing.T) (*Restreamer, *segment.Store) {
	t.Helper()
	base := t.TempDir()
	store, err := segment.NewStore(base, nil)
	require.NoError(t, err)
	return New(testConfig(base), store, nil, "test", nil), store
}

func seedSegment(t *testing.T, store *segment.Store, channel, quality string, start time.Time, dur time.Duration, typ segment.Type, data string) segment.Segment {
	t.Helper()
	w, err := store.NewWriter(channel, quality)
	require.NoError(t, err)
	_, err = io.WriteString(w, data)
	require.NoError(t, err)
	seg, err := w.Finalize(start, dur, typ)
	require.NoError(t, err)
	return seg
}

func TestListingsAndSegmentServing(t *testing.T) {
	r, store := testRestreamer(t)
	start := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	seg := seedSegment(t, store, "twitch", "source", start, 2*time.Second, segment.TypeFull, "AAAA")
	seedSegment(t, store, "twitch", "source", start.Add(2*time.Second), 2*time.Second, segment.TypeFull, "BBBB")

	srv := httptest.NewServer(r.server.Router())
	defer srv.Close()

	getJSON := func(path string, out any) int {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
		}
		return resp.StatusCode
	}

	var channels struct {
		Channels []string `json:"channels"`
	}
	require.Equal(t, http.StatusOK, getJSON("/files", &channels))
	assert.Equal(t, []string{"twitch"}, channels.Channels)

	var qualities struct {
		Qualities []string `json:"qualities"`
	}
	require.Equal(t, http.StatusOK, getJSON("/files/twitch", &qualities))
	assert.Equal(t, []string{"source"}, qualities.Qualities)

	var hours struct {
		Hours []string `json:"hours"`
	}
	require.Equal(t, http.StatusOK, getJSON("/files/twitch/source", &hours))
	assert.Equal(t, []string{"2026-08-20T10"}, hours.Hours)

	var segs struct {
		Segments []SegmentInfo `json:"segments"`
	}
	require.Equal(t, http.StatusOK, getJSON("/files/twitch/source/2026-08-20T10", &segs))
	require.Len(t, segs.Segments, 2)
	assert.Equal(t, seg.Filename(), segs.Segments[0].Name)
	assert.Equal(t, "full", segs.Segments[0].Type)
	assert.Equal(t, 2.0, segs.Segments[0].Duration)

	// An hour we never wrote lists as empty, not as an error.
	require.Equal(t, http.StatusOK, getJSON("/files/twitch/source/2026-08-20T23", &segs))

	// Raw segment bytes round-trip.
	resp, err := http.Get(srv.URL + "/segments/twitch/source/2026-08-20T10/" + seg.Filename())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/MP2T", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "AAAA", string(body))

	// Not a segment name at all.
	resp, err = http.Get(srv.URL + "/segments/twitch/source/2026-08-20T10/evil.txt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Well-formed but absent.
	gone := seg
	gone.Start = start.Add(30 * time.Minute)
	resp, err = http.Get(srv.URL + "/segments/twitch/source/2026-08-20T10/" + gone.Filename())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlaylistSynthesis(t *testing.T) {
	r, store := testRestreamer(t)
	start := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	seedSegment(t, store, "twitch", "source", start, 2*time.Second, segment.TypeFull, "AAAA")
	// Gap from :02 to :06, then coverage resumes.
	seedSegment(t, store, "twitch", "source", start.Add(6*time.Second), 2*time.Second, segment.TypeFull, "BBBB")

	srv := httptest.NewServer(r.server.Router())
	defer srv.Close()

	u := srv.URL + "/playlist/twitch.m3u8?quality=source&start=2026-08-20T10:00:00&end=2026-08-20T10:00:08"
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.True(t, strings.HasPrefix(text, "#EXTM3U\n"))
	assert.Contains(t, text, "#EXT-X-PLAYLIST-TYPE:VOD")
	assert.Contains(t, text, "#EXT-X-TARGETDURATION:2")
	assert.Contains(t, text, "#EXT-X-PROGRAM-DATE-TIME:2026-08-20T10:00:00.000Z")
	assert.Contains(t, text, "#EXT-X-DISCONTINUITY")
	assert.Contains(t, text, "#EXTINF:2.000,")
	assert.Contains(t, text, "/segments/twitch/source/2026-08-20T10/")
	assert.True(t, strings.HasSuffix(text, "#EXT-X-ENDLIST\n"))

	// One discontinuity for the one hole.
	assert.Equal(t, 1, strings.Count(text, "#EXT-X-DISCONTINUITY"))

	// Omitting quality selects source.
	resp, err = http.Get(srv.URL + "/playlist/twitch.m3u8?start=2026-08-20T10:00:00&end=2026-08-20T10:00:08")
	require.NoError(t, err)
	defaulted, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, text, string(defaulted))

	// Bad time parameters are the caller's fault.
	resp, err = http.Get(srv.URL + "/playlist/twitch.m3u8?start=yesterday")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCutEndpointFast(t *testing.T) {
	r, store := testRestreamer(t)
	start := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	seedSegment(t, store, "twitch", "source", start, 2*time.Second, segment.TypeFull, "AAAA")
	seedSegment(t, store, "twitch", "source", start.Add(2*time.Second), 2*time.Second, segment.TypeFull, "BBBB")

	srv := httptest.NewServer(r.server.Router())
	defer srv.Close()

	u := srv.URL + "/cut/twitch/source.ts?type=fast&start=2026-08-20T10:00:00&end=2026-08-20T10:00:04"
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/MP2T", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBB", string(body))

	// A hole without allow_holes is refused up front.
	u = srv.URL + "/cut/twitch/source.ts?type=fast&start=2026-08-20T10:00:00&end=2026-08-20T10:00:10"
	resp, err = http.Get(u)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Same range with allow_holes streams what exists.
	resp, err = http.Get(u + "&allow_holes=true")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "AAAABBBB", string(body))

	resp, err = http.Get(srv.URL + "/cut/twitch/source.ts?type=nonsense")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCutEndpointMultiRange(t *testing.T) {
	r, store := testRestreamer(t)
	start := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	seedSegment(t, store, "twitch", "source", start, 2*time.Second, segment.TypeFull, "AAAA")
	seedSegment(t, store, "twitch", "source", start.Add(2*time.Second), 2*time.Second, segment.TypeFull, "BBBB")

	srv := httptest.NewServer(r.server.Router())
	defer srv.Close()

	// Two ranges with an explicit hard cut between them splice into one
	// output.
	u := srv.URL + "/cut/twitch/source.ts?type=fast" +
		"&range=2026-08-20T10:00:00,2026-08-20T10:00:02" +
		"&range=2026-08-20T10:00:02,2026-08-20T10:00:04" +
		"&transition="
	resp, err := http.Get(u)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "AAAABBBB", string(body))

	// Unstated joins default to hard cuts.
	u = srv.URL + "/cut/twitch/source.ts?type=fast" +
		"&range=2026-08-20T10:00:00,2026-08-20T10:00:02" +
		"&range=2026-08-20T10:00:02,2026-08-20T10:00:04"
	resp, err = http.Get(u)
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "AAAABBBB", string(body))

	// More transitions than joins is a request error.
	u = srv.URL + "/cut/twitch/source.ts?type=fast" +
		"&range=2026-08-20T10:00:00,2026-08-20T10:00:02" +
		"&transition=&transition="
	resp, err = http.Get(u)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Malformed range pairs are refused before any work happens.
	resp, err = http.Get(srv.URL + "/cut/twitch/source.ts?type=fast&range=2026-08-20T10:00:00")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// deadlineRecorder captures write-deadline changes made through
// http.ResponseController.
type deadlineRecorder struct {
	*httptest.ResponseRecorder
	deadlines []time.Time
}

func (d *deadlineRecorder) SetWriteDeadline(t time.Time) error {
	d.deadlines = append(d.deadlines, t)
	return nil
}

func TestCutLiftsWriteDeadline(t *testing.T) {
	r, store := testRestreamer(t)
	start := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	seedSegment(t, store, "twitch", "source", start, 2*time.Second, segment.TypeFull, "AAAA")

	// Cuts can stream for far longer than the server's write timeout,
	// so the handler must clear the per-request deadline.
	req := httptest.NewRequest(http.MethodGet,
		"/cut/twitch/source.ts?type=fast&start=2026-08-20T10:00:00&end=2026-08-20T10:00:02", nil)
	rec := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder()}
	r.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.deadlines)
	assert.True(t, rec.deadlines[0].IsZero())
}

func TestCutEndpointPost(t *testing.T) {
	r, store := testRestreamer(t)
	start := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	seedSegment(t, store, "twitch", "source", start, 2*time.Second, segment.TypeFull, "AAAA")

	srv := httptest.NewServer(r.server.Router())
	defer srv.Close()

	body := fmt.Sprintf(`{
		"ranges": [{"start": %q, "end": %q}],
		"type": "fast"
	}`, start.Format(time.RFC3339), start.Add(2*time.Second).Format(time.RFC3339))

	resp, err := http.Post(srv.URL+"/cut/twitch/source", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "AAAA", string(out))

	resp, err = http.Post(srv.URL+"/cut/twitch/source", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// No ranges at all.
	resp, err = http.Post(srv.URL+"/cut/twitch/source", "application/json", strings.NewReader(`{"type":"fast","ranges":[]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExtrasAllowlist(t *testing.T) {
	r, store := testRestreamer(t)
	base := store.Base()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "chat_logs", "2026-08-20"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "chat_logs", "2026-08-20", "10.json"), []byte(`{"msgs":[]}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "secrets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "secrets", "token"), []byte("hunter2"), 0o600))

	srv := httptest.NewServer(r.server.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/extras/chat_logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Files []string `json:"files"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.Equal(t, []string{"2026-08-20/10.json"}, listing.Files)

	resp, err = http.Get(srv.URL + "/extras/chat_logs/2026-08-20/10.json")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"msgs":[]}`, string(body))

	// Directories outside the allowlist do not exist as far as HTTP is
	// concerned.
	resp, err = http.Get(srv.URL + "/extras/secrets")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/extras/secrets/token")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResetEvent(t *testing.T) {
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.Event{}))
	events := repository.NewEventRepository(gdb)

	base := t.TempDir()
	store, err := segment.NewStore(base, nil)
	require.NoError(t, err)
	r := New(testConfig(base), store, events, "test", nil)

	ctx := context.Background()
	now := time.Now().UTC()
	ev := &models.Event{
		State:        models.StateClaimed,
		Uploader:     "node1",
		VideoChannel: "twitch",
		VideoQuality: "source",
		VideoTitle:   "stuck upload",
		Ranges:       models.TimeRangeList{{Start: now.Add(-time.Hour), End: now}},
		Editor:       "ops",
	}
	require.NoError(t, events.Create(ctx, ev))

	srv := httptest.NewServer(r.server.Router())
	defer srv.Close()

	post := func(id, body string) (*http.Response, []byte) {
		resp, err := http.Post(srv.URL+"/events/"+id+"/reset", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, b
	}

	resp, body := post(ev.ID.String(), `{"to":"EDITED","error":"cutter wedged"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	got, err := events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateEdited, got.State)
	assert.Empty(t, got.Uploader)
	assert.Equal(t, "cutter wedged", got.Error)

	// An EDITED row can only be cancelled, never "reset" to EDITED.
	resp, _ = post(ev.ID.String(), `{"to":"EDITED"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Cancelling the edit sends it back to UNEDITED.
	resp, body = post(ev.ID.String(), `{"to":"UNEDITED","error":"bad ranges"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	got, err = events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateUnedited, got.State)

	// UNEDITED rows have nothing to reset.
	resp, _ = post(ev.ID.String(), `{"to":"UNEDITED"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = post(models.NewULID().String(), `{"to":"EDITED"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPeerClient(t *testing.T) {
	r, store := testRestreamer(t)
	start := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	seg := seedSegment(t, store, "twitch", "source", start, 2*time.Second, segment.TypeFull, "AAAA")
	seedSegment(t, store, "twitch", "source", start.Add(2*time.Second), 2*time.Second, segment.TypeFull, "BBBB")

	srv := httptest.NewServer(r.server.Router())
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ctx := context.Background()

	channels, err := c.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"twitch"}, channels)

	hours, err := c.Hours(ctx, "twitch", "source")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-08-20T10"}, hours)

	names, err := c.SegmentNames(ctx, "twitch", "source", "2026-08-20T10")
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, seg.Filename(), names[0])

	body, err := c.GetSegment(ctx, "twitch", "source", "2026-08-20T10", seg.Filename())
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	body.Close()
	require.NoError(t, err)
	assert.Equal(t, "AAAA", string(data))

	out, err := c.Cut(ctx, "twitch", "source", CutRequest{
		Ranges: models.TimeRangeList{{Start: start, End: start.Add(4 * time.Second)}},
		Type:   "fast",
	})
	require.NoError(t, err)
	data, err = io.ReadAll(out)
	out.Close()
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBB", string(data))

	// The peer's refusal surfaces as a typed error with the status code.
	_, err = c.Cut(ctx, "twitch", "source", CutRequest{Type: "fast"})
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.NotEmpty(t, se.Reason)
}

func TestParseTimeParam(t *testing.T) {
	r, _ := testRestreamer(t)

	zoned, err := r.parseTimeParam("2026-08-20T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC), zoned)

	bare, err := r.parseTimeParam("2026-08-20T10:00:05.250")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 20, 10, 0, 5, 250_000_000, time.UTC), bare)

	// Bustimes only resolve when the run's start is configured.
	_, err = r.parseTimeParam("2:30:00")
	require.Error(t, err)

	r.cfg.Node.BusStart = "2026-08-20T08:00:00Z"
	at, err := r.parseTimeParam("2:30:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC), at)

	before, err := r.parseTimeParam("-0:15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 20, 7, 45, 0, 0, time.UTC), before)

	_, err = r.parseTimeParam("half past ten")
	require.Error(t, err)
}
