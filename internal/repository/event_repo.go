// Package repository implements data access over the shared schema.
// Every cross-node coordination funnels through conditional UPDATEs
// here; the database is the arbiter.
package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/gorm"

	"github.com/dbvideostriketeam/wubloader/internal/models"
)

// ErrWrongState is returned when a conditional transition matched no
// row: someone else moved the row first, or the caller's view is stale.
var ErrWrongState = errors.New("event not in expected state")

// EventRepository is the persistence surface the cutter and the events
// shim work through.
type EventRepository interface {
	Create(ctx context.Context, event *models.Event) error
	GetByID(ctx context.Context, id models.ULID) (*models.Event, error)
	ListByState(ctx context.Context, state models.EventState) ([]*models.Event, error)
	FindClaimable(ctx context.Context, state models.EventState, locations []string, uploader string) ([]*models.Event, error)
	Claim(ctx context.Context, id models.ULID, from models.EventState, uploader string) (*models.Event, error)
	Transition(ctx context.Context, id models.ULID, from, to models.EventState, updates map[string]any) error
	Release(ctx context.Context, id models.ULID, to models.EventState, errMsg string) error
}

// eventRepo implements EventRepository using GORM.
type eventRepo struct {
	db *gorm.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepo{db: db}
}

// Create creates a new event row.
func (r *eventRepo) Create(ctx context.Context, event *models.Event) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("creating event: %w", err)
	}
	return nil
}

// GetByID retrieves an event by ID.
func (r *eventRepo) GetByID(ctx context.Context, id models.ULID) (*models.Event, error) {
	var event models.Event
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting event by ID: %w", err)
	}
	return &event, nil
}

// ListByState retrieves all events in a state, oldest edits first.
func (r *eventRepo) ListByState(ctx context.Context, state models.EventState) ([]*models.Event, error) {
	var events []*models.Event
	err := r.db.WithContext(ctx).
		Where("state = ?", state).
		Order("edit_time ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("listing events by state: %w", err)
	}
	return events, nil
}

// FindClaimable lists candidate rows for a cutter: in the given state,
// targeting one of the cutter's upload locations, and either without an
// uploader allow-list or with this cutter on it. The allow-list lives
// in a JSON column, so that last filter happens here rather than in
// SQL; candidate sets are small.
//
// EDITED rows must additionally be unowned. MODIFIED rows keep the
// uploader of the original upload as the record of who cut it, so any
// eligible cutter may claim one; exclusivity there comes from the
// state flip alone.
func (r *eventRepo) FindClaimable(ctx context.Context, state models.EventState, locations []string, uploader string) ([]*models.Event, error) {
	if len(locations) == 0 {
		return nil, nil
	}
	q := r.db.WithContext(ctx).
		Where("state = ?", state).
		Where("upload_location IN ?", locations)
	if state == models.StateEdited {
		q = q.Where("uploader IS NULL OR uploader = ''")
	}
	var events []*models.Event
	err := q.Order("edit_time ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("finding claimable events: %w", err)
	}

	eligible := events[:0]
	for _, e := range events {
		if len(e.UploaderAllowlist) > 0 && !slices.Contains(e.UploaderAllowlist, uploader) {
			continue
		}
		eligible = append(eligible, e)
	}
	return eligible, nil
}

// Claim atomically takes ownership of a row. The UPDATE's WHERE clause
// re-checks the state, so two racing cutters cannot both win: the
// loser sees zero rows affected and gets ErrWrongState. Claims from
// EDITED also require the row to be unowned; a MODIFIED row retains
// the original uploader and is claimable regardless.
func (r *eventRepo) Claim(ctx context.Context, id models.ULID, from models.EventState, uploader string) (*models.Event, error) {
	where := "id = ? AND state = ?"
	if from == models.StateEdited {
		where = "id = ? AND state = ? AND (uploader IS NULL OR uploader = '')"
	}
	res := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Where(where, id, from).
		Updates(map[string]any{
			"state":    models.StateClaimed,
			"uploader": uploader,
			"error":    "",
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claiming event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrWrongState
	}
	return r.GetByID(ctx, id)
}

// Transition moves a row from one state to another with a precondition
// on the current state, applying any extra column updates in the same
// statement. Illegal edges are refused before touching the database.
func (r *eventRepo) Transition(ctx context.Context, id models.ULID, from, to models.EventState, updates map[string]any) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	if updates == nil {
		updates = map[string]any{}
	}
	updates["state"] = to

	res := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("transitioning event %s -> %s: %w", from, to, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrWrongState
	}
	return nil
}

// Release gives up a claimed row. A retryable failure goes back to
// EDITED with the uploader cleared so anyone may retry; a permanent
// failure goes to UNEDITED with the error recorded and the uploader
// retained so an operator can see who hit it.
func (r *eventRepo) Release(ctx context.Context, id models.ULID, to models.EventState, errMsg string) error {
	updates := map[string]any{"error": errMsg}
	switch to {
	case models.StateEdited:
		updates["uploader"] = ""
	case models.StateUnedited:
		// keep uploader for the postmortem
	default:
		return fmt.Errorf("release target must be EDITED or UNEDITED, got %s", to)
	}
	return r.Transition(ctx, id, models.StateClaimed, to, updates)
}

// MarkEdited is used by the events shim when an editor submits inputs.
func MarkEdited(ctx context.Context, db *gorm.DB, event *models.Event, editor string) error {
	if err := event.ValidateEditInputs(); err != nil {
		return err
	}
	now := time.Now().UTC()
	event.Editor = editor
	event.EditTime = &now
	event.State = models.StateEdited
	if err := db.WithContext(ctx).Save(event).Error; err != nil {
		return fmt.Errorf("saving edited event: %w", err)
	}
	return nil
}
