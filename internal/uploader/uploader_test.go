package uploader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbvideostriketeam/wubloader/internal/config"
)

func TestLocalBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := newLocalBackend(config.LocationConfig{Path: dir}, nil)
	require.NoError(t, err)

	caps := b.Capabilities()
	assert.False(t, caps.NeedsTranscode)
	assert.True(t, caps.EditMetadata)
	assert.True(t, caps.SetThumbnail)

	ctx := context.Background()
	meta := Metadata{
		Title:       "Desert Bus Hour 7: The Bussening",
		Description: "things happened",
		Tags:        []string{"desert bus"},
		Public:      true,
		ContentType: "video/MP2T",
	}
	up, err := b.Begin(ctx, meta)
	require.NoError(t, err)
	_, err = io.WriteString(up, "video bytes")
	require.NoError(t, err)

	videoID, link, err := up.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(videoID, "desert-bus-hour-7-the-bussening-"))
	assert.True(t, strings.HasSuffix(videoID, ".ts"))

	data, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, "video bytes", string(data))

	sidecar, err := os.ReadFile(filepath.Join(dir, videoID+".json"))
	require.NoError(t, err)
	var gotMeta Metadata
	require.NoError(t, json.Unmarshal(sidecar, &gotMeta))
	assert.Equal(t, meta.Title, gotMeta.Title)

	status, _, err := b.QueryStatus(ctx, videoID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status)

	meta.Description = "corrected description"
	require.NoError(t, b.ModifyMetadata(ctx, videoID, meta))
	require.NoError(t, b.SetThumbnail(ctx, videoID, []byte("png bytes")))
	thumb, err := os.ReadFile(filepath.Join(dir, videoID+".png"))
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(thumb))

	// Unknown videos fail status and refuse metadata edits.
	status, _, err = b.QueryStatus(ctx, "never-uploaded.ts")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Error(t, b.ModifyMetadata(ctx, "never-uploaded.ts", meta))
}

func TestLocalBackendAbort(t *testing.T) {
	dir := t.TempDir()
	b, err := newLocalBackend(config.LocationConfig{Path: dir}, nil)
	require.NoError(t, err)

	up, err := b.Begin(context.Background(), Metadata{Title: "abandoned"})
	require.NoError(t, err)
	_, err = io.WriteString(up, "partial")
	require.NoError(t, err)
	up.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "aborted upload must leave nothing behind")
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "desert-bus-hour-7", slugify("Desert Bus: Hour 7!"))
	assert.Equal(t, "video", slugify("???"))
	assert.Equal(t, "caf", slugify("café")[:3])
}

func TestHTTPBackendUploadStreams(t *testing.T) {
	var gotMeta Metadata
	var gotVideo []byte
	var gotAuth string

	mux := http.NewServeMux()
	mux.HandleFunc("POST /videos", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("metadata")), &gotMeta))
		f, _, err := r.FormFile("video")
		require.NoError(t, err)
		gotVideo, err = io.ReadAll(f)
		require.NoError(t, err)
		json.NewEncoder(w).Encode(map[string]string{
			"id":   "vid123",
			"link": "https://videos.example/vid123",
		})
	})
	mux.HandleFunc("GET /videos/vid123", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"state": "transcoding",
		})
	})
	mux.HandleFunc("PUT /videos/vid123/metadata", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /videos/vid123/thumbnail", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b, err := newHTTPBackend(config.LocationConfig{
		URL:            srv.URL,
		Token:          "sekrit",
		NeedsTranscode: true,
	}, nil)
	require.NoError(t, err)
	assert.True(t, b.Capabilities().NeedsTranscode)

	ctx := context.Background()
	up, err := b.Begin(ctx, Metadata{Title: "run", ContentType: "video/MP2T"})
	require.NoError(t, err)
	_, err = io.WriteString(up, "streamed video bytes")
	require.NoError(t, err)

	videoID, link, err := up.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "vid123", videoID)
	assert.Equal(t, "https://videos.example/vid123", link)
	assert.Equal(t, "Bearer sekrit", gotAuth)
	assert.Equal(t, "run", gotMeta.Title)
	assert.Equal(t, "streamed video bytes", string(gotVideo))

	status, _, err := b.QueryStatus(ctx, "vid123")
	require.NoError(t, err)
	assert.Equal(t, StatusTranscoding, status)

	require.NoError(t, b.ModifyMetadata(ctx, "vid123", Metadata{Title: "renamed"}))
	require.NoError(t, b.SetThumbnail(ctx, "vid123", []byte("png")))
}

func TestHTTPBackendRejectedUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	b, err := newHTTPBackend(config.LocationConfig{URL: srv.URL}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	up, err := b.Begin(ctx, Metadata{Title: "doomed"})
	require.NoError(t, err)
	io.WriteString(up, "bytes")
	_, _, err = up.Commit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestNewLocationsRegistry(t *testing.T) {
	dir := t.TempDir()
	locations, err := NewLocations(map[string]config.LocationConfig{
		"archive": {Backend: "local", Path: dir},
		"site":    {Backend: "http", URL: "http://videos.example", CutType: "full"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, locations, 2)
	assert.Equal(t, "smart", locations["archive"].CutType)
	assert.Equal(t, "full", locations["site"].CutType)

	_, err = NewLocations(map[string]config.LocationConfig{
		"bad": {Backend: "carrier-pigeon"},
	}, nil)
	require.Error(t, err)
}
