// Package cutter drives claimed events through cut, upload and the
// state machine's terminal states. Any number of cutters share the
// events table; the conditional claim update is the only coordination
// between them.
package cutter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dbvideostriketeam/wubloader/internal/config"
	"github.com/dbvideostriketeam/wubloader/internal/models"
	"github.com/dbvideostriketeam/wubloader/internal/observability"
	"github.com/dbvideostriketeam/wubloader/internal/repository"
	"github.com/dbvideostriketeam/wubloader/internal/restreamer"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
	"github.com/dbvideostriketeam/wubloader/internal/thumbnail"
	"github.com/dbvideostriketeam/wubloader/internal/uploader"
)

const (
	defaultClaimInterval = 10 * time.Second
	defaultTranscodeCron = "0 */2 * * * *" // every two minutes
)

// Cutter claims edited events, cuts them through the local restreamer
// and uploads the result.
type Cutter struct {
	cfg       *config.Config
	events    repository.EventRepository
	locations map[string]*uploader.Location
	client    *restreamer.Client
	store     *segment.Store
	thumbs    *thumbnail.Renderer
	logger    *slog.Logger
}

// New creates a cutter. client talks to this node's restreamer; store
// is the local archive, used to check coverage before claiming.
func New(cfg *config.Config, events repository.EventRepository, locations map[string]*uploader.Location, client *restreamer.Client, store *segment.Store, logger *slog.Logger) *Cutter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cutter{
		cfg:       cfg,
		events:    events,
		locations: locations,
		client:    client,
		store:     store,
		thumbs:    thumbnail.NewRenderer(cfg.Cutter.TemplateDir, client),
		logger:    observability.WithComponent(logger, "cutter"),
	}
}

// name is what this cutter writes into the uploader column.
func (c *Cutter) name() string {
	return c.cfg.Node.Name
}

// uploadLocations returns the location names this cutter can serve,
// optionally restricted to backends that can edit metadata.
func (c *Cutter) uploadLocations(needEdit bool) []string {
	names := make([]string, 0, len(c.locations))
	for name, loc := range c.locations {
		if needEdit && !loc.Backend.Capabilities().EditMetadata {
			continue
		}
		names = append(names, name)
	}
	return names
}

// Run blocks until the context is cancelled, running the claim loop
// and the transcode poller.
func (c *Cutter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.claimLoop(ctx)
		return nil
	})
	g.Go(func() error {
		return c.runTranscodePoller(ctx)
	})

	return g.Wait()
}

func (c *Cutter) claimLoop(ctx context.Context) {
	interval := c.cfg.Cutter.ClaimInterval
	if interval <= 0 {
		interval = defaultClaimInterval
	}
	for {
		worked := c.claimOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		sleep := interval
		if worked {
			// More work may be queued behind what we just finished.
			sleep = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// claimOnce tries to claim and process one event. It prefers EDITED
// rows (new videos) over MODIFIED ones (metadata touch-ups).
func (c *Cutter) claimOnce(ctx context.Context) bool {
	if ev := c.claim(ctx, models.StateEdited, c.uploadLocations(false)); ev != nil {
		c.processEdited(ctx, ev)
		return true
	}
	if ev := c.claim(ctx, models.StateModified, c.uploadLocations(true)); ev != nil {
		c.processModified(ctx, ev)
		return true
	}
	return false
}

// claim races other cutters for one claimable row. A lost race is
// normal operation, not an error.
func (c *Cutter) claim(ctx context.Context, state models.EventState, locations []string) *models.Event {
	candidates, err := c.events.FindClaimable(ctx, state, locations, c.name())
	if err != nil {
		observability.WithError(c.logger, err).Error("listing claimable events")
		return nil
	}
	for _, candidate := range candidates {
		if state == models.StateEdited && !candidate.AllowHoles && !c.coveredLocally(candidate) {
			// Claiming would only bounce the row back to the editor;
			// leave it EDITED for a peer whose archive covers it.
			observability.EventsClaimed.WithLabelValues("uncovered").Inc()
			continue
		}
		ev, err := c.events.Claim(ctx, candidate.ID, state, c.name())
		if errors.Is(err, repository.ErrWrongState) {
			observability.EventsClaimed.WithLabelValues("lost_race").Inc()
			continue
		}
		if err != nil {
			observability.WithError(c.logger, err).Error("claiming event",
				slog.String("event_id", candidate.ID.String()))
			return nil
		}
		observability.EventsClaimed.WithLabelValues("claimed").Inc()
		observability.EventStateTransitions.WithLabelValues(string(state), string(models.StateClaimed)).Inc()
		c.logger.Info("claimed event",
			slog.String("event_id", ev.ID.String()),
			slog.String("from", string(state)),
			slog.String("title", ev.VideoTitle),
		)
		return ev
	}
	return nil
}

// coveredLocally reports whether the local archive holds hole-free
// coverage of every requested range. Errors scanning the archive count
// as covered; the cut itself re-checks and fails with a real reason.
func (c *Cutter) coveredLocally(ev *models.Event) bool {
	if c.store == nil {
		return true
	}
	for _, r := range ev.Ranges {
		segs, err := c.store.SegmentsInRange(ev.VideoChannel, ev.VideoQuality, r.Start, r.End)
		if err != nil {
			observability.WithError(c.logger, err).Warn("checking local coverage",
				slog.String("event_id", ev.ID.String()))
			return true
		}
		if !segment.Select(segs, r.Start, r.End).Covered() {
			return false
		}
	}
	return true
}

// runTranscodePoller advances TRANSCODING rows on a cron schedule. Any
// cutter may advance any row regardless of who uploaded it.
func (c *Cutter) runTranscodePoller(ctx context.Context) error {
	spec := c.cfg.Cutter.TranscodeCron
	if spec == "" {
		spec = defaultTranscodeCron
	}
	sched := cron.New(cron.WithSeconds())
	_, err := sched.AddFunc(spec, func() {
		c.pollTranscoding(ctx)
		c.auditFinalizing(ctx)
	})
	if err != nil {
		return err
	}
	sched.Start()
	<-ctx.Done()
	stopCtx := sched.Stop()
	<-stopCtx.Done()
	return nil
}
