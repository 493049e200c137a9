// Package thumbnail renders video thumbnails from event descriptors:
// nothing, a bare frame, a frame composited under a named template, or
// caller-supplied bytes passed through untouched.
package thumbnail

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/dbvideostriketeam/wubloader/internal/models"
)

// FrameSource produces a single PNG frame of a channel at an instant.
// The restreamer client satisfies this.
type FrameSource interface {
	Frame(ctx context.Context, channel, quality string, at time.Time) ([]byte, error)
}

// templateNamePattern keeps template lookups inside the template dir.
var templateNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Renderer renders thumbnails for events.
type Renderer struct {
	templateDir string
	frames      FrameSource
}

// NewRenderer creates a renderer. templateDir may be empty if TEMPLATE
// mode is never used.
func NewRenderer(templateDir string, frames FrameSource) *Renderer {
	return &Renderer{templateDir: templateDir, frames: frames}
}

// Hash fingerprints rendered thumbnail bytes. The cutter compares it
// against what was last written to decide whether a MODIFIED row needs
// the thumbnail re-uploaded.
func Hash(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// Render produces the thumbnail PNG for an event, or nil for NONE.
func (r *Renderer) Render(ctx context.Context, ev *models.Event) ([]byte, error) {
	switch ev.ThumbnailMode {
	case "", models.ThumbnailNone:
		return nil, nil
	case models.ThumbnailCustom:
		if len(ev.ThumbnailImage) == 0 {
			return nil, fmt.Errorf("CUSTOM thumbnail with no image")
		}
		return ev.ThumbnailImage, nil
	case models.ThumbnailBare:
		frame, err := r.fetchFrame(ctx, ev)
		if err != nil {
			return nil, err
		}
		if !ev.ThumbnailCrop.Valid {
			return frame, nil
		}
		return r.cropPNG(frame, ev.ThumbnailCrop.Crop)
	case models.ThumbnailTemplate:
		frame, err := r.fetchFrame(ctx, ev)
		if err != nil {
			return nil, err
		}
		return r.composite(frame, ev)
	}
	return nil, fmt.Errorf("unknown thumbnail mode %q", ev.ThumbnailMode)
}

func (r *Renderer) fetchFrame(ctx context.Context, ev *models.Event) ([]byte, error) {
	if ev.ThumbnailTime == nil {
		return nil, fmt.Errorf("thumbnail mode %s requires a thumbnail time", ev.ThumbnailMode)
	}
	if r.frames == nil {
		return nil, fmt.Errorf("no frame source configured")
	}
	frame, err := r.frames.Frame(ctx, ev.VideoChannel, ev.VideoQuality, *ev.ThumbnailTime)
	if err != nil {
		return nil, fmt.Errorf("fetching frame: %w", err)
	}
	return frame, nil
}

func (r *Renderer) cropPNG(data []byte, crop models.Crop) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	rect := image.Rect(crop.X, crop.Y, crop.X+crop.Width, crop.Y+crop.Height)
	if !rect.In(img.Bounds()) {
		return nil, fmt.Errorf("crop %v exceeds frame bounds %v", rect, img.Bounds())
	}
	out := image.NewRGBA(image.Rect(0, 0, crop.Width, crop.Height))
	xdraw.Draw(out, out.Bounds(), img, rect.Min, xdraw.Src)
	return encodePNG(out)
}

// loadTemplate reads a named template image from the template dir.
func (r *Renderer) loadTemplate(name string) (image.Image, error) {
	if r.templateDir == "" {
		return nil, fmt.Errorf("no template directory configured")
	}
	if !templateNamePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid template name %q", name)
	}
	f, err := os.Open(filepath.Join(r.templateDir, name+".png"))
	if err != nil {
		return nil, fmt.Errorf("opening template %s: %w", name, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding template %s: %w", name, err)
	}
	return img, nil
}

// composite scales the (optionally cropped) frame into the template's
// placement rectangle and draws the result over the template.
func (r *Renderer) composite(frameData []byte, ev *models.Event) ([]byte, error) {
	tmpl, err := r.loadTemplate(ev.ThumbnailTemplate)
	if err != nil {
		return nil, err
	}
	frame, err := png.Decode(bytes.NewReader(frameData))
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	src := frame.Bounds()
	if ev.ThumbnailCrop.Valid {
		c := ev.ThumbnailCrop.Crop
		src = image.Rect(c.X, c.Y, c.X+c.Width, c.Y+c.Height)
		if !src.In(frame.Bounds()) {
			return nil, fmt.Errorf("crop %v exceeds frame bounds %v", src, frame.Bounds())
		}
	}

	dst := tmpl.Bounds()
	if ev.ThumbnailLocation.Valid {
		l := ev.ThumbnailLocation.Crop
		dst = image.Rect(l.X, l.Y, l.X+l.Width, l.Y+l.Height)
	}

	out := image.NewRGBA(tmpl.Bounds())
	xdraw.Draw(out, out.Bounds(), tmpl, tmpl.Bounds().Min, xdraw.Src)
	xdraw.CatmullRom.Scale(out, dst, frame, src, xdraw.Over, nil)
	return encodePNG(out)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
