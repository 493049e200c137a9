package thumbnail

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbvideostriketeam/wubloader/internal/models"
)

// solidPNG renders a single-colour PNG of the given size.
func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixedFrames struct {
	frame []byte
	err   error
}

func (f fixedFrames) Frame(_ context.Context, _, _ string, _ time.Time) ([]byte, error) {
	return f.frame, f.err
}

func eventAt(mode models.ThumbnailMode) *models.Event {
	at := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	return &models.Event{
		VideoChannel:  "twitch",
		VideoQuality:  "source",
		ThumbnailMode: mode,
		ThumbnailTime: &at,
	}
}

func TestRenderNoneAndCustom(t *testing.T) {
	r := NewRenderer("", nil)
	ctx := context.Background()

	out, err := r.Render(ctx, eventAt(models.ThumbnailNone))
	require.NoError(t, err)
	assert.Nil(t, out)

	ev := eventAt(models.ThumbnailCustom)
	ev.ThumbnailImage = []byte("caller png")
	out, err = r.Render(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, []byte("caller png"), out)

	ev.ThumbnailImage = nil
	_, err = r.Render(ctx, ev)
	require.Error(t, err)
}

func TestRenderBare(t *testing.T) {
	frame := solidPNG(t, 64, 36, color.RGBA{R: 255, A: 255})
	r := NewRenderer("", fixedFrames{frame: frame})
	ctx := context.Background()

	// No crop: the frame passes through untouched.
	out, err := r.Render(ctx, eventAt(models.ThumbnailBare))
	require.NoError(t, err)
	assert.Equal(t, frame, out)

	// Cropped: output takes the crop's dimensions.
	ev := eventAt(models.ThumbnailBare)
	ev.ThumbnailCrop = models.NullCrop{Crop: models.Crop{X: 8, Y: 4, Width: 32, Height: 18}, Valid: true}
	out, err = r.Render(ctx, ev)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 18), img.Bounds())

	// Out-of-bounds crop is the editor's mistake, not a panic.
	ev.ThumbnailCrop.Crop = models.Crop{X: 60, Y: 30, Width: 32, Height: 18}
	_, err = r.Render(ctx, ev)
	require.Error(t, err)

	// BARE without a time cannot be rendered.
	ev = eventAt(models.ThumbnailBare)
	ev.ThumbnailTime = nil
	_, err = r.Render(ctx, ev)
	require.Error(t, err)
}

func TestRenderTemplate(t *testing.T) {
	dir := t.TempDir()
	tmpl := solidPNG(t, 128, 72, color.RGBA{B: 255, A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "desertbus.png"), tmpl, 0o644))

	frame := solidPNG(t, 64, 36, color.RGBA{R: 255, A: 255})
	r := NewRenderer(dir, fixedFrames{frame: frame})

	ev := eventAt(models.ThumbnailTemplate)
	ev.ThumbnailTemplate = "desertbus"
	ev.ThumbnailLocation = models.NullCrop{Crop: models.Crop{X: 32, Y: 18, Width: 64, Height: 36}, Valid: true}

	out, err := r.Render(context.Background(), ev)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 128, 72), img.Bounds())

	// Inside the placement rect the frame's red shows; outside it the
	// template's blue survives.
	red, _, _, _ := img.At(64, 36).RGBA()
	assert.NotZero(t, red)
	_, _, blue, _ := img.At(2, 2).RGBA()
	assert.NotZero(t, blue)

	// Template names never walk the filesystem.
	ev.ThumbnailTemplate = "../../etc/passwd"
	_, err = r.Render(context.Background(), ev)
	require.Error(t, err)

	ev.ThumbnailTemplate = "missing"
	_, err = r.Render(context.Background(), ev)
	require.Error(t, err)
}

func TestHashIsStable(t *testing.T) {
	a := Hash([]byte("png bytes"))
	assert.Equal(t, a, Hash([]byte("png bytes")))
	assert.NotEqual(t, a, Hash([]byte("other bytes")))
	assert.Len(t, a, 64)
}
