package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeo_Haversine_KnownDistance(t *testing.T) {
	t.Parallel()

	// Kigali to Musanze is roughly 72 km as the crow flies.
	d := Haversine(-1.9441, 30.0619, -1.4996, 29.6342)
	require.InDelta(t, 68.9, d, 2.0)
}

func TestGeo_Haversine_ZeroForSamePoint(t *testing.T) {
	t.Parallel()

	require.Zero(t, Haversine(-1.5, 29.6, -1.5, 29.6))
}

func TestGeo_Haversine_OneDegreeLatitude(t *testing.T) {
	t.Parallel()

	// One degree of latitude is about 111.2 km everywhere.
	require.InDelta(t, 111.2, Haversine(0, 30, 1, 30), 0.5)
}

func TestGeo_RouteDistance(t *testing.T) {
	t.Parallel()

	points := []Point{
		{Latitude: 0, Longitude: 30},
		{Latitude: 1, Longitude: 30},
		{Latitude: 2, Longitude: 30},
	}
	require.InDelta(t, 2*111.2, RouteDistance(points), 1.0)

	require.Zero(t, RouteDistance(nil))
	require.Zero(t, RouteDistance(points[:1]))
}
