package trips

import (
	"testing"
	"time"

	"github.com/bythron/trackerd/internal/store"
	"github.com/stretchr/testify/require"
)

var testSettings = store.TripSettings{
	StopSplitsTripAfterMinutes: 60,
	MinimumTripDurationMinutes: 5,
	StopSpeedThresholdKmh:      5.0,
}

// track builds a location series from (minute offset, speed) pairs along a
// straight line.
func track(pairs ...[2]float64) []store.Location {
	base := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	locs := make([]store.Location, len(pairs))
	for i, p := range pairs {
		locs[i] = store.Location{
			Latitude:  -1.5 + float64(i)*0.01,
			Longitude: 29.6,
			Speed:     p[1],
			GPSValid:  true,
			Timestamp: base.Add(time.Duration(p[0]) * time.Minute),
		}
	}
	return locs
}

func TestTrips_Detect_SingleSegment(t *testing.T) {
	t.Parallel()

	segments := Detect(track(
		[2]float64{0, 30}, [2]float64{5, 40}, [2]float64{10, 35}, [2]float64{15, 30},
	), testSettings)
	require.Len(t, segments, 1)
	require.Equal(t, 4, segments[0].PointCount)
	require.Equal(t, 15*time.Minute, segments[0].EndTime.Sub(segments[0].StartTime))
	require.Greater(t, segments[0].TotalDistanceKm, 0.0)
}

func TestTrips_Detect_LongStopSplits(t *testing.T) {
	t.Parallel()

	// Driving, then parked for 90 minutes, then driving again.
	segments := Detect(track(
		[2]float64{0, 30}, [2]float64{10, 30}, [2]float64{20, 30},
		[2]float64{25, 0}, [2]float64{70, 0}, [2]float64{115, 0},
		[2]float64{120, 40}, [2]float64{130, 40}, [2]float64{140, 40},
	), testSettings)
	require.Len(t, segments, 2)
	require.Equal(t, 3, segments[0].PointCount)
	require.Equal(t, 3, segments[1].PointCount)
	require.True(t, segments[1].StartTime.After(segments[0].EndTime))
}

func TestTrips_Detect_ShortStopDoesNotSplit(t *testing.T) {
	t.Parallel()

	// A ten-minute stop is shorter than the split threshold.
	segments := Detect(track(
		[2]float64{0, 30}, [2]float64{10, 30},
		[2]float64{15, 0}, [2]float64{25, 0},
		[2]float64{30, 40}, [2]float64{40, 40},
	), testSettings)
	require.Len(t, segments, 1)
	require.Equal(t, 6, segments[0].PointCount)
}

func TestTrips_Detect_FiltersShortSegments(t *testing.T) {
	t.Parallel()

	// Two-minute drive is below the minimum trip duration.
	segments := Detect(track(
		[2]float64{0, 30}, [2]float64{2, 30},
	), testSettings)
	require.Empty(t, segments)
}

func TestTrips_Detect_TooFewPoints(t *testing.T) {
	t.Parallel()

	require.Empty(t, Detect(track([2]float64{0, 30}), testSettings))
	require.Empty(t, Detect(nil, testSettings))
}
