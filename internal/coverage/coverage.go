// Package coverage renders audit maps of the segment archive: one PNG
// per (channel, quality, hour) showing, at two-second resolution, what
// was captured and how trustworthy it is, plus a small auto-refreshing
// HTML viewer. Operators watch these during an event to spot holes
// while the upstream copy still exists.
package coverage

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dbvideostriketeam/wubloader/internal/config"
	"github.com/dbvideostriketeam/wubloader/internal/observability"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

const (
	// slotSeconds is the audit resolution: one column per slot.
	slotSeconds = 2
	slotsPerRow = 300 // ten minutes per row
	rowCount    = 3600 / slotSeconds / slotsPerRow
	slotWidth   = 4 // pixels per slot column
	bandHeight  = 12
	rowGap      = 2

	defaultCron = "0 */1 * * * *" // every minute
)

// Slot colours: what the best segment covering the slot says.
var (
	colorHole      = color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
	colorFull      = color.RGBA{G: 0xa0, A: 0xff}
	colorSuspect   = color.RGBA{R: 0xc8, G: 0xa0, A: 0xff}
	colorPartial   = color.RGBA{R: 0xc0, A: 0xff}
	colorDuplicate = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

func typeColor(t segment.Type) color.RGBA {
	switch t {
	case segment.TypeFull:
		return colorFull
	case segment.TypeSuspect:
		return colorSuspect
	case segment.TypePartial:
		return colorPartial
	}
	return colorHole
}

// Generator renders coverage maps on a schedule.
type Generator struct {
	cfg    *config.Config
	store  *segment.Store
	logger *slog.Logger
}

// New creates a coverage generator.
func New(cfg *config.Config, store *segment.Store, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		cfg:    cfg,
		store:  store,
		logger: observability.WithComponent(logger, "coverage"),
	}
}

// Run regenerates all maps on the configured cron schedule until the
// context is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	spec := g.cfg.Coverage.Cron
	if spec == "" {
		spec = defaultCron
	}
	sched := cron.New(cron.WithSeconds())
	_, err := sched.AddFunc(spec, func() {
		if err := g.GenerateAll(ctx); err != nil && ctx.Err() == nil {
			observability.WithError(g.logger, err).Error("generating coverage maps")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid coverage cron %q: %w", spec, err)
	}
	sched.Start()
	<-ctx.Done()
	stop := sched.Stop()
	<-stop.Done()
	return nil
}

func (g *Generator) outputDir() string {
	return g.cfg.Coverage.OutputPath(g.cfg.Storage.BaseDir)
}

// GenerateAll renders every (channel, quality, hour) present in the
// archive and rewrites the viewer page.
func (g *Generator) GenerateAll(ctx context.Context) error {
	channels, err := g.store.Channels()
	if err != nil {
		return err
	}
	var rendered []string
	for _, channel := range channels {
		qualities, err := g.store.Qualities(channel)
		if err != nil {
			return err
		}
		for _, quality := range qualities {
			hours, err := g.store.Hours(channel, quality)
			if err != nil {
				return err
			}
			for _, hour := range hours {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := g.GenerateHour(channel, quality, hour); err != nil {
					return fmt.Errorf("rendering %s/%s/%s: %w", channel, quality, hour, err)
				}
				rendered = append(rendered, mapRelPath(channel, quality, hour))
			}
		}
	}
	return g.writeViewer(rendered)
}

func mapRelPath(channel, quality, hour string) string {
	return filepath.ToSlash(filepath.Join(channel, quality, hour+".png"))
}

// slotInfo accumulates what covers one two-second slot.
type slotInfo struct {
	best  segment.Type
	has   bool
	count int
}

// GenerateHour renders one hour's audit map.
func (g *Generator) GenerateHour(channel, quality, hour string) error {
	hourStart, err := time.Parse(segment.HourFormat, hour)
	if err != nil {
		return fmt.Errorf("bad hour bucket %q: %w", hour, err)
	}
	segs, err := g.store.Segments(channel, quality, hour)
	if err != nil {
		return err
	}

	slots := buildSlots(segs, hourStart)
	img := renderSlots(slots)

	out := filepath.Join(g.outputDir(), channel, quality, hour+".png")
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(out), ".coverage-*")
	if err != nil {
		return err
	}
	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encoding coverage map: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), out)
}

// buildSlots folds the hour's segments into per-slot best type and
// duplicate counts.
func buildSlots(segs []segment.Segment, hourStart time.Time) []slotInfo {
	slots := make([]slotInfo, 3600/slotSeconds)
	for _, seg := range segs {
		first := int(seg.Start.Sub(hourStart).Seconds()) / slotSeconds
		last := int(seg.End().Sub(hourStart).Seconds()-0.001) / slotSeconds
		for i := first; i <= last; i++ {
			if i < 0 || i >= len(slots) {
				continue
			}
			s := &slots[i]
			s.count++
			if !s.has || betterType(seg.Type, s.best) {
				s.best = seg.Type
				s.has = true
			}
		}
	}
	return slots
}

// betterType reports whether a beats b for display purposes.
func betterType(a, b segment.Type) bool {
	rank := func(t segment.Type) int {
		switch t {
		case segment.TypeFull:
			return 0
		case segment.TypeSuspect:
			return 1
		default:
			return 2
		}
	}
	return rank(a) < rank(b)
}

// renderSlots draws the slot grid: rowCount rows of ten minutes each,
// an upper band coloured by best type and a thin lower strip marking
// slots covered by more than one segment.
func renderSlots(slots []slotInfo) *image.RGBA {
	width := slotsPerRow * slotWidth
	rowHeight := bandHeight + rowGap
	img := image.NewRGBA(image.Rect(0, 0, width, rowCount*rowHeight))

	for i, s := range slots {
		row := i / slotsPerRow
		col := i % slotsPerRow

		c := colorHole
		if s.has {
			c = typeColor(s.best)
		}
		x0 := col * slotWidth
		y0 := row * rowHeight
		for y := y0; y < y0+bandHeight; y++ {
			for x := x0; x < x0+slotWidth; x++ {
				img.SetRGBA(x, y, c)
			}
		}
		if s.count > 1 {
			// Duplicate marker along the bottom two pixels of the band.
			for y := y0 + bandHeight - 2; y < y0+bandHeight; y++ {
				for x := x0; x < x0+slotWidth; x++ {
					img.SetRGBA(x, y, colorDuplicate)
				}
			}
		}
	}
	return img
}

// writeViewer rewrites the index page listing every rendered map,
// newest hours first, refreshing itself every 30 seconds.
func (g *Generator) writeViewer(maps []string) error {
	dir := g.outputDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var b []byte
	b = append(b, `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="30">
<title>segment coverage</title>
<style>
body { background: #111; color: #ddd; font-family: monospace; }
img { image-rendering: pixelated; display: block; margin-bottom: 4px; }
</style>
</head>
<body>
<h1>segment coverage</h1>
`...)
	for i := len(maps) - 1; i >= 0; i-- {
		m := maps[i]
		b = append(b, fmt.Sprintf("<h2>%s</h2>\n<img src=%q alt=%q>\n", m, m, m)...)
	}
	b = append(b, "</body>\n</html>\n"...)

	tmp, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, "index.html"))
}
