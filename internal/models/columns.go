package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Composite columns are stored as JSON text so the same models work on
// sqlite, postgres and mysql alike. Each type implements Scan/Value;
// nil or empty values store as NULL.

func scanJSON(dest any, value any) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func valueJSON(src any, empty bool) (driver.Value, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON column: %w", err)
	}
	return string(b), nil
}

// StringSlice is a []string stored as a JSON array.
type StringSlice []string

func (s *StringSlice) Scan(value any) error { return scanJSON(s, value) }

func (s StringSlice) Value() (driver.Value, error) { return valueJSON(s, len(s) == 0) }

// TimeRange is one (start, end) wall-clock range of a cut request.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the range length.
func (r TimeRange) Duration() time.Duration { return r.End.Sub(r.Start) }

// TimeRangeList is the ordered range list of an edited event.
type TimeRangeList []TimeRange

func (l *TimeRangeList) Scan(value any) error { return scanJSON(l, value) }

func (l TimeRangeList) Value() (driver.Value, error) { return valueJSON(l, len(l) == 0) }

// Transition names a filter applied over the overlap between two
// adjacent ranges. A nil entry in a TransitionList is a hard cut.
type Transition struct {
	Type     string  `json:"type"`
	Duration float64 `json:"duration"`
}

// TransitionList holds one entry per between-range boundary; its length
// is always len(ranges)-1 for valid edit inputs.
type TransitionList []*Transition

func (l *TransitionList) Scan(value any) error { return scanJSON(l, value) }

// Value stores the list whenever the event has edit inputs, even if
// every entry is null; NULL means "no edit inputs yet".
func (l TransitionList) Value() (driver.Value, error) { return valueJSON(l, l == nil) }

// Crop is a pixel rectangle, used both for video cropping and for
// thumbnail frame extraction/placement.
type Crop struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// NullCrop is a nullable Crop column, NULL when Valid is false.
type NullCrop struct {
	Crop  Crop
	Valid bool
}

func (c *NullCrop) Scan(value any) error {
	if value == nil {
		*c = NullCrop{}
		return nil
	}
	if err := scanJSON(&c.Crop, value); err != nil {
		return err
	}
	c.Valid = true
	return nil
}

func (c NullCrop) Value() (driver.Value, error) {
	if !c.Valid {
		return nil, nil
	}
	return valueJSON(c.Crop, false)
}

// MarshalJSON renders NULL crops as JSON null so API payloads match
// the column semantics.
func (c NullCrop) MarshalJSON() ([]byte, error) {
	if !c.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(c.Crop)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *NullCrop) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*c = NullCrop{}
		return nil
	}
	if err := json.Unmarshal(b, &c.Crop); err != nil {
		return err
	}
	c.Valid = true
	return nil
}
