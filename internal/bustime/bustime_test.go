package bustime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockRoundTrip(t *testing.T) {
	start := time.Date(2026, 11, 14, 22, 0, 0, 0, time.UTC)
	c := NewClock(start)

	at := start.Add(50*time.Hour + 30*time.Minute)
	bus := c.At(at)
	assert.Equal(t, 50*time.Hour+30*time.Minute, bus)
	assert.Equal(t, at, c.Time(bus))

	// Before the start is negative, not wrapped.
	assert.Equal(t, -time.Hour, c.At(start.Add(-time.Hour)))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0:00:00", Format(0))
	assert.Equal(t, "1:05:09", Format(time.Hour+5*time.Minute+9*time.Second))
	assert.Equal(t, "50:00:00", Format(50*time.Hour))
	assert.Equal(t, "-0:30:00", Format(-30*time.Minute))
}

func TestParse(t *testing.T) {
	d, err := Parse("50:30:15")
	require.NoError(t, err)
	assert.Equal(t, 50*time.Hour+30*time.Minute+15*time.Second, d)

	d, err = Parse("1:05")
	require.NoError(t, err)
	assert.Equal(t, time.Hour+5*time.Minute, d)

	d, err = Parse("-0:30:00.5")
	require.NoError(t, err)
	assert.Equal(t, -(30*time.Minute + 500*time.Millisecond), d)

	for _, bad := range []string{"", "abc", "1:99", "1:05:99", "::"} {
		_, err := Parse(bad)
		assert.Error(t, err, "%q should not parse", bad)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{0, 90 * time.Minute, 123*time.Hour + 45*time.Minute + 6*time.Second} {
		got, err := Parse(Format(d))
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
}
