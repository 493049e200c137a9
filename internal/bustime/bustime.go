// Package bustime converts between wall-clock time and the event's own
// clock: hours (and change) since the run started. Editors think in
// bustime; the archive and the database think in UTC.
package bustime

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Clock converts relative to one start instant.
type Clock struct {
	start time.Time
}

// NewClock creates a clock anchored at start.
func NewClock(start time.Time) *Clock {
	return &Clock{start: start.UTC()}
}

// Start returns the anchor instant.
func (c *Clock) Start() time.Time { return c.start }

// At returns the bustime of a wall-clock instant. Instants before the
// start are negative.
func (c *Clock) At(t time.Time) time.Duration {
	return t.Sub(c.start)
}

// Time returns the wall-clock instant of a bustime.
func (c *Clock) Time(bus time.Duration) time.Time {
	return c.start.Add(bus)
}

// Format renders a bustime as h:mm:ss, with a leading minus for
// instants before the start. Hours do not wrap: hour 50 of a run is
// "50:00:00".
func Format(bus time.Duration) string {
	sign := ""
	if bus < 0 {
		sign = "-"
		bus = -bus
	}
	bus = bus.Truncate(time.Second)
	h := bus / time.Hour
	m := (bus % time.Hour) / time.Minute
	s := (bus % time.Minute) / time.Second
	return fmt.Sprintf("%s%d:%02d:%02d", sign, h, m, s)
}

var busTimePattern = regexp.MustCompile(`^(-?)(\d+):([0-5]\d)(?::([0-5]\d(?:\.\d+)?))?$`)

// Parse reads a bustime in h:mm or h:mm:ss[.fff] form.
func Parse(s string) (time.Duration, error) {
	m := busTimePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("cannot parse bustime %q", s)
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, fmt.Errorf("cannot parse bustime %q", s)
	}
	minutes, _ := strconv.Atoi(m[3])
	var seconds float64
	if m[4] != "" {
		seconds, err = strconv.ParseFloat(m[4], 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse bustime %q", s)
		}
	}
	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}
