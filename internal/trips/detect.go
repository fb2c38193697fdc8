// Package trips segments location history into suggested trips using the
// user's stop-duration preferences.
package trips

import (
	"time"

	"github.com/bythron/trackerd/internal/geo"
	"github.com/bythron/trackerd/internal/store"
)

// Suggested is one detected trip segment.
type Suggested struct {
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	PointCount      int       `json:"point_count"`
	TotalDistanceKm float64   `json:"total_distance_km"`
	StartLat        float64   `json:"start_lat"`
	StartLon        float64   `json:"start_lon"`
	EndLat          float64   `json:"end_lat"`
	EndLon          float64   `json:"end_lon"`
}

// Detect splits a GPS-valid, timestamp-ascending track into trip segments.
//
// Points slower than the stop speed threshold count as stopped. A run of
// consecutive stopped points spanning at least the split duration ends the
// current segment; segments shorter than the minimum duration or with fewer
// than two points are dropped.
func Detect(locations []store.Location, settings store.TripSettings) []Suggested {
	if len(locations) < 2 {
		return nil
	}

	splitAfter := time.Duration(settings.StopSplitsTripAfterMinutes) * time.Minute
	minDuration := time.Duration(settings.MinimumTripDurationMinutes) * time.Minute
	speedThreshold := settings.StopSpeedThresholdKmh

	type span struct{ start, end int }
	var spans []span
	segStart := 0
	i := 0
	for i < len(locations) {
		if locations[i].Speed >= speedThreshold {
			i++
			continue
		}
		stopStart := i
		for i < len(locations) && locations[i].Speed < speedThreshold {
			i++
		}
		stopDuration := locations[i-1].Timestamp.Sub(locations[stopStart].Timestamp)
		if stopDuration >= splitAfter {
			if stopStart > segStart {
				spans = append(spans, span{segStart, stopStart})
			}
			segStart = i
		}
	}
	if segStart < len(locations) {
		spans = append(spans, span{segStart, len(locations)})
	}

	var segments []Suggested
	for _, sp := range spans {
		if sp.end-sp.start < 2 {
			continue
		}
		locs := locations[sp.start:sp.end]
		duration := locs[len(locs)-1].Timestamp.Sub(locs[0].Timestamp)
		if duration < minDuration {
			continue
		}

		points := make([]geo.Point, len(locs))
		for j, l := range locs {
			points[j] = geo.Point{Latitude: l.Latitude, Longitude: l.Longitude}
		}

		segments = append(segments, Suggested{
			StartTime:       locs[0].Timestamp,
			EndTime:         locs[len(locs)-1].Timestamp,
			PointCount:      len(locs),
			TotalDistanceKm: geo.RouteDistance(points),
			StartLat:        locs[0].Latitude,
			StartLon:        locs[0].Longitude,
			EndLat:          locs[len(locs)-1].Latitude,
			EndLon:          locs[len(locs)-1].Longitude,
		})
	}
	return segments
}
