package cutter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dbvideostriketeam/wubloader/internal/models"
	"github.com/dbvideostriketeam/wubloader/internal/observability"
	"github.com/dbvideostriketeam/wubloader/internal/repository"
	"github.com/dbvideostriketeam/wubloader/internal/restreamer"
	"github.com/dbvideostriketeam/wubloader/internal/thumbnail"
	"github.com/dbvideostriketeam/wubloader/internal/uploader"
)

// metadataFor maps an event's editable fields onto upload metadata.
func metadataFor(ev *models.Event, contentType string) uploader.Metadata {
	return uploader.Metadata{
		Title:       ev.VideoTitle,
		Description: ev.VideoDescription,
		Tags:        ev.VideoTags,
		Public:      ev.Public,
		ContentType: contentType,
	}
}

// cutRequestFor builds the restreamer cut request from an event's edit
// inputs.
func cutRequestFor(ev *models.Event, cutType string) restreamer.CutRequest {
	req := restreamer.CutRequest{
		Ranges:      ev.Ranges,
		Transitions: ev.RangeTransitions,
		Type:        cutType,
		AllowHoles:  ev.AllowHoles,
	}
	if ev.VideoCrop.Valid {
		crop := ev.VideoCrop.Crop
		req.Crop = &crop
	}
	return req
}

// isRejectedCut reports whether the restreamer refused the request
// outright (bad edit inputs or uncovered holes), as opposed to failing
// partway.
func isRejectedCut(err error) bool {
	var se *restreamer.StatusError
	return errors.As(err, &se) && se.Code == http.StatusBadRequest
}

// release puts a claimed row back. Retryable failures go to EDITED for
// any cutter to pick up; permanent ones go to UNEDITED for the editor.
func (c *Cutter) release(ctx context.Context, ev *models.Event, to models.EventState, cause error) {
	observability.EventStateTransitions.WithLabelValues(string(models.StateClaimed), string(to)).Inc()
	if err := c.events.Release(ctx, ev.ID, to, cause.Error()); err != nil {
		observability.WithError(c.logger, err).Error("releasing event",
			slog.String("event_id", ev.ID.String()))
		return
	}
	observability.WithError(c.logger, cause).Warn("released event",
		slog.String("event_id", ev.ID.String()),
		slog.String("to", string(to)),
	)
}

// processEdited runs one freshly claimed event through cut, upload and
// commit.
func (c *Cutter) processEdited(ctx context.Context, ev *models.Event) {
	logger := c.logger.With(slog.String("event_id", ev.ID.String()))

	loc, ok := c.locations[ev.UploadLocation]
	if !ok {
		c.release(ctx, ev, models.StateUnedited,
			fmt.Errorf("no such upload location %q", ev.UploadLocation))
		return
	}
	contentType := "video/MP2T"
	if loc.CutType == "webm" {
		contentType = "video/webm"
	}

	// Render the thumbnail before spending effort on the cut; bad
	// thumbnail inputs are an editor problem.
	thumb, err := c.thumbs.Render(ctx, ev)
	if err != nil {
		c.release(ctx, ev, models.StateUnedited, fmt.Errorf("rendering thumbnail: %w", err))
		return
	}

	body, err := c.client.Cut(ctx, ev.VideoChannel, ev.VideoQuality, cutRequestFor(ev, loc.CutType))
	if err != nil {
		if isRejectedCut(err) {
			c.release(ctx, ev, models.StateUnedited, fmt.Errorf("cut rejected: %w", err))
		} else {
			c.release(ctx, ev, models.StateEdited, fmt.Errorf("starting cut: %w", err))
		}
		return
	}
	defer body.Close()

	up, err := loc.Backend.Begin(ctx, metadataFor(ev, contentType))
	if err != nil {
		c.release(ctx, ev, models.StateEdited, fmt.Errorf("starting upload: %w", err))
		return
	}

	written, err := io.Copy(up, body)
	if err != nil {
		up.Abort()
		c.release(ctx, ev, models.StateEdited, fmt.Errorf("streaming cut to %s: %w", loc.Name, err))
		return
	}
	if written == 0 {
		up.Abort()
		c.release(ctx, ev, models.StateEdited, fmt.Errorf("cut produced no output"))
		return
	}
	observability.UploadBytes.WithLabelValues(loc.Name).Add(float64(written))

	// The FINALIZING fence: once crossed, a failed commit leaves the
	// outcome unknown and only an operator may decide. Losing the fence
	// means an operator reset the row mid-upload; drop everything.
	if err := c.events.Transition(ctx, ev.ID, models.StateClaimed, models.StateFinalizing, nil); err != nil {
		up.Abort()
		if errors.Is(err, repository.ErrWrongState) {
			logger.Warn("event reset during upload, abandoning")
			return
		}
		observability.WithError(logger, err).Error("entering FINALIZING")
		return
	}
	observability.EventStateTransitions.WithLabelValues(string(models.StateClaimed), string(models.StateFinalizing)).Inc()

	videoID, link, err := up.Commit(ctx)
	if err != nil {
		// Deliberately stuck: the upload may or may not exist remotely.
		observability.WithError(logger, err).Error("commit failed, row held in FINALIZING for operator review")
		return
	}

	updates := map[string]any{
		"video_id":    videoID,
		"video_link":  link,
		"upload_time": time.Now().UTC(),
	}

	if thumb != nil {
		if loc.Backend.Capabilities().SetThumbnail {
			if err := loc.Backend.SetThumbnail(ctx, videoID, thumb); err != nil {
				// The video is up; a missing thumbnail is repairable
				// via MODIFIED later.
				observability.WithError(logger, err).Warn("setting thumbnail failed")
			} else {
				updates["thumbnail_last_written"] = thumbnail.Hash(thumb)
			}
		} else {
			logger.Warn("location cannot set thumbnails, skipping",
				slog.String("location", loc.Name))
		}
	}

	to := models.StateDone
	if loc.Backend.Capabilities().NeedsTranscode {
		to = models.StateTranscoding
	}
	if err := c.events.Transition(ctx, ev.ID, models.StateFinalizing, to, updates); err != nil {
		observability.WithError(logger, err).Error("recording committed upload",
			slog.String("video_id", videoID))
		return
	}
	observability.EventStateTransitions.WithLabelValues(string(models.StateFinalizing), string(to)).Inc()

	logger.Info("event uploaded",
		slog.String("video_id", videoID),
		slog.String("link", link),
		slog.String("state", string(to)),
		slog.Int64("bytes", written),
	)
}

// processModified pushes changed metadata (and, when its hash moved,
// the thumbnail) to an already uploaded video.
func (c *Cutter) processModified(ctx context.Context, ev *models.Event) {
	logger := c.logger.With(slog.String("event_id", ev.ID.String()))

	loc, ok := c.locations[ev.UploadLocation]
	if !ok || ev.VideoID == "" {
		c.release(ctx, ev, models.StateUnedited,
			fmt.Errorf("modified row without usable location/video (location %q)", ev.UploadLocation))
		return
	}

	if err := loc.Backend.ModifyMetadata(ctx, ev.VideoID, metadataFor(ev, "")); err != nil {
		c.release(ctx, ev, models.StateEdited, fmt.Errorf("modifying metadata: %w", err))
		return
	}

	updates := map[string]any{}
	thumb, err := c.thumbs.Render(ctx, ev)
	if err != nil {
		c.release(ctx, ev, models.StateUnedited, fmt.Errorf("rendering thumbnail: %w", err))
		return
	}
	if thumb != nil && loc.Backend.Capabilities().SetThumbnail {
		if hash := thumbnail.Hash(thumb); hash != ev.ThumbnailLastWritten {
			if err := loc.Backend.SetThumbnail(ctx, ev.VideoID, thumb); err != nil {
				c.release(ctx, ev, models.StateEdited, fmt.Errorf("setting thumbnail: %w", err))
				return
			}
			updates["thumbnail_last_written"] = hash
		}
	}

	if err := c.events.Transition(ctx, ev.ID, models.StateClaimed, models.StateDone, updates); err != nil {
		observability.WithError(logger, err).Error("completing modified event")
		return
	}
	observability.EventStateTransitions.WithLabelValues(string(models.StateClaimed), string(models.StateDone)).Inc()
	logger.Info("modified event applied", slog.String("video_id", ev.VideoID))
}

// pollTranscoding asks each destination about its TRANSCODING videos
// and completes the ones that finished. Rows belong to no one here; the
// conditional transition makes concurrent pollers harmless.
func (c *Cutter) pollTranscoding(ctx context.Context) {
	rows, err := c.events.ListByState(ctx, models.StateTranscoding)
	if err != nil {
		observability.WithError(c.logger, err).Error("listing transcoding events")
		return
	}
	for _, ev := range rows {
		loc, ok := c.locations[ev.UploadLocation]
		if !ok || ev.VideoID == "" {
			continue // some other cutter's location
		}
		status, link, err := loc.Backend.QueryStatus(ctx, ev.VideoID)
		if err != nil {
			observability.WithError(c.logger, err).Warn("querying video status",
				slog.String("event_id", ev.ID.String()),
				slog.String("video_id", ev.VideoID))
			continue
		}
		switch status {
		case uploader.StatusDone:
			updates := map[string]any{}
			if link != "" {
				updates["video_link"] = link
			}
			err := c.events.Transition(ctx, ev.ID, models.StateTranscoding, models.StateDone, updates)
			if err != nil && !errors.Is(err, repository.ErrWrongState) {
				observability.WithError(c.logger, err).Error("completing transcoded event",
					slog.String("event_id", ev.ID.String()))
				continue
			}
			if err == nil {
				observability.EventStateTransitions.WithLabelValues(string(models.StateTranscoding), string(models.StateDone)).Inc()
				c.logger.Info("transcode finished",
					slog.String("event_id", ev.ID.String()),
					slog.String("video_id", ev.VideoID))
			}
		case uploader.StatusFailed:
			c.logger.Error("destination reports video failed, operator attention needed",
				slog.String("event_id", ev.ID.String()),
				slog.String("video_id", ev.VideoID))
		}
	}
}

// auditFinalizing publishes how many rows sit in FINALIZING. The state
// is meant to be crossed in milliseconds; a standing count is a wedged
// commit awaiting an operator.
func (c *Cutter) auditFinalizing(ctx context.Context) {
	rows, err := c.events.ListByState(ctx, models.StateFinalizing)
	if err != nil {
		observability.WithError(c.logger, err).Error("listing finalizing events")
		return
	}
	observability.FinalizingStuck.Set(float64(len(rows)))
	for _, ev := range rows {
		c.logger.Warn("event stuck in FINALIZING",
			slog.String("event_id", ev.ID.String()),
			slog.String("uploader", ev.Uploader),
			slog.String("title", ev.VideoTitle),
		)
	}
}
