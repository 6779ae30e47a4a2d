package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWindowForAlignsToFiveMinuteBoundary(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2026-02-22 12:03:17 ET is inside the [12:00, 12:05) window.
	ts := time.Date(2026, 2, 22, 12, 3, 17, 0, ny)
	start := WindowFor(ts, 300, ny)

	expected := time.Date(2026, 2, 22, 12, 0, 0, 0, ny).Unix()
	require.Equal(t, expected, start)
}

func TestWindowForPropertyP5(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	samples := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, ny),
		time.Date(2026, 6, 15, 23, 59, 59, 0, ny),
		time.Date(2026, 3, 8, 2, 30, 0, 0, ny), // DST transition day in the US
	}
	for _, ts := range samples {
		start := WindowFor(ts, 300, ny)
		require.LessOrEqual(t, start, ts.Unix())
		require.Less(t, ts.Unix(), start+300)
		require.Equal(t, int64(0), start%300)
	}
}

func TestNextBoundary(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	ts := time.Date(2026, 2, 22, 12, 3, 0, 0, ny)
	next := NextBoundary(ts, 300, ny)
	require.Equal(t, WindowFor(ts, 300, ny)+300, next)
}
