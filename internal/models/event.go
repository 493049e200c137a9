package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// EventState is the cut job state machine position of an event row.
type EventState string

// Event states. Transitions between them are enumerated in Transitions;
// the database UPDATE precondition is what enforces them across nodes.
const (
	StateUnedited    EventState = "UNEDITED"
	StateEdited      EventState = "EDITED"
	StateClaimed     EventState = "CLAIMED"
	StateFinalizing  EventState = "FINALIZING"
	StateTranscoding EventState = "TRANSCODING"
	StateDone        EventState = "DONE"
	StateModified    EventState = "MODIFIED"
)

// Transitions enumerates every legal state machine edge. Anything not
// listed here is a bug, not an operator action.
var Transitions = map[EventState][]EventState{
	StateUnedited:    {StateEdited},
	StateEdited:      {StateUnedited, StateClaimed},
	// CLAIMED covers both fresh uploads (EDITED origin, exits via
	// FINALIZING) and metadata touch-ups (MODIFIED origin, exits
	// straight to DONE).
	StateClaimed:     {StateEdited, StateUnedited, StateFinalizing, StateDone},
	StateFinalizing:  {StateEdited, StateUnedited, StateTranscoding, StateDone},
	StateTranscoding: {StateDone},
	StateDone:        {StateModified},
	StateModified:    {StateClaimed, StateDone},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to EventState) bool {
	for _, next := range Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ThumbnailMode selects how a video's thumbnail is produced.
type ThumbnailMode string

const (
	// ThumbnailNone uploads no thumbnail.
	ThumbnailNone ThumbnailMode = "NONE"
	// ThumbnailBare is a single frame decoded at ThumbnailTime.
	ThumbnailBare ThumbnailMode = "BARE"
	// ThumbnailTemplate composites the frame under a named template.
	ThumbnailTemplate ThumbnailMode = "TEMPLATE"
	// ThumbnailCustom is a caller-supplied PNG.
	ThumbnailCustom ThumbnailMode = "CUSTOM"
)

// Event is one cut-and-upload job in the shared database. Rows are
// created by the sheet sync in UNEDITED, populated by editors, then
// owned by whichever cutter claims them. Rows are never deleted.
type Event struct {
	ID    ULID   `gorm:"type:varchar(26);primaryKey" json:"id"`
	Sheet string `gorm:"size:255;index" json:"sheet"`

	EventStart  *time.Time  `json:"event_start"`
	EventEnd    *time.Time  `json:"event_end"`
	Category    string      `gorm:"size:255" json:"category"`
	Description string      `gorm:"type:text" json:"description"`
	ImageLinks  StringSlice `gorm:"type:text" json:"image_links"`
	Tags        StringSlice `gorm:"type:text" json:"tags"`

	// Edit inputs: NULL while UNEDITED, required on exit from UNEDITED.
	Ranges           TimeRangeList  `gorm:"type:text" json:"video_ranges"`
	RangeTransitions TransitionList `gorm:"type:text" json:"video_transitions"`
	VideoCrop        NullCrop       `gorm:"type:text" json:"video_crop"`
	VideoTitle       string         `gorm:"size:512" json:"video_title"`
	VideoDescription string         `gorm:"type:text" json:"video_description"`
	VideoTags        StringSlice    `gorm:"type:text" json:"video_tags"`
	VideoChannel     string         `gorm:"size:255" json:"video_channel"`
	VideoQuality     string         `gorm:"size:64" json:"video_quality"`
	AllowHoles       bool           `gorm:"default:false" json:"allow_holes"`
	Public           bool           `gorm:"default:true" json:"public"`
	UploaderAllowlist StringSlice   `gorm:"type:text" json:"uploader_whitelist"`
	UploadLocation   string         `gorm:"size:255;index" json:"upload_location"`

	// Thumbnail descriptor.
	ThumbnailMode     ThumbnailMode `gorm:"size:16;default:NONE" json:"thumbnail_mode"`
	ThumbnailTime     *time.Time    `json:"thumbnail_time"`
	ThumbnailTemplate string        `gorm:"size:255" json:"thumbnail_template"`
	ThumbnailCrop     NullCrop      `gorm:"type:text" json:"thumbnail_crop"`
	ThumbnailLocation NullCrop      `gorm:"type:text" json:"thumbnail_location"`
	ThumbnailImage    []byte        `json:"-"` // CUSTOM mode payload

	// State fields.
	State                EventState `gorm:"size:16;not null;default:UNEDITED;index" json:"state"`
	Uploader             string     `gorm:"size:255" json:"uploader"`
	Error                string     `gorm:"type:text" json:"error"`
	VideoID              string     `gorm:"size:255" json:"video_id"`
	VideoLink            string     `gorm:"size:2048" json:"video_link"`
	Editor               string     `gorm:"size:255" json:"editor"`
	EditTime             *time.Time `json:"edit_time"`
	UploadTime           *time.Time `json:"upload_time"`
	LastModified         time.Time  `gorm:"autoUpdateTime" json:"last_modified"`
	ThumbnailLastWritten string     `gorm:"size:64" json:"thumbnail_last_written"`
}

// TableName returns the table name for Event.
func (Event) TableName() string {
	return "events"
}

// BeforeCreate assigns an ID if the creator did not supply one.
func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID.IsZero() {
		e.ID = NewULID()
	}
	if e.State == "" {
		e.State = StateUnedited
	}
	return nil
}

// HasEditInputs reports whether the edit fields are populated.
func (e *Event) HasEditInputs() bool {
	return len(e.Ranges) > 0 && e.VideoChannel != "" && e.VideoQuality != ""
}

// ValidateEditInputs checks the structural invariants of the edit
// fields: at least one range, each range forward in time, and exactly
// one transition slot per between-range boundary. Semantic validation
// (known transition types, overlap fitting the adjoining ranges) lives
// with the cut engine.
func (e *Event) ValidateEditInputs() error {
	if len(e.Ranges) == 0 {
		return fmt.Errorf("event %s: at least one range is required", e.ID)
	}
	for i, r := range e.Ranges {
		if !r.End.After(r.Start) {
			return fmt.Errorf("event %s: range %d end is not after start", e.ID, i)
		}
	}
	if len(e.RangeTransitions) != len(e.Ranges)-1 {
		return fmt.Errorf("event %s: %d transitions for %d ranges, want %d",
			e.ID, len(e.RangeTransitions), len(e.Ranges), len(e.Ranges)-1)
	}
	for i, tr := range e.RangeTransitions {
		if tr == nil {
			continue // hard cut
		}
		if tr.Type == "" {
			return fmt.Errorf("event %s: transition %d has empty type", e.ID, i)
		}
		if tr.Duration <= 0 {
			return fmt.Errorf("event %s: transition %d duration must be positive", e.ID, i)
		}
	}
	if e.VideoChannel == "" || e.VideoQuality == "" {
		return fmt.Errorf("event %s: video channel and quality are required", e.ID)
	}
	if e.UploadLocation == "" {
		return fmt.Errorf("event %s: upload location is required", e.ID)
	}
	return nil
}
