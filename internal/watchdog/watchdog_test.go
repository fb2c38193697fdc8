package watchdog

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/bythron/trackerd/internal/geo"
	"github.com/bythron/trackerd/internal/store"
)

type finalizeCall struct {
	TripID        int64
	EndTime       time.Time
	DistanceKm    float64
	EndLocationID *int64
	DisplayName   *string
}

type mockStore struct {
	mu sync.Mutex

	StaleDevicesWithOpenTripsFunc func(ctx context.Context, cutoff time.Time) ([]store.Device, error)
	OpenTripsByDeviceFunc         func(ctx context.Context, deviceID int64) ([]store.Trip, error)
	LastGPSValidLocationFunc      func(ctx context.Context, deviceID int64) (store.Location, error)
	GPSValidRangeFunc             func(ctx context.Context, deviceID int64, from, to time.Time) ([]store.Location, error)

	finalized []finalizeCall
}

func (m *mockStore) StaleDevicesWithOpenTrips(ctx context.Context, cutoff time.Time) ([]store.Device, error) {
	if m.StaleDevicesWithOpenTripsFunc != nil {
		return m.StaleDevicesWithOpenTripsFunc(ctx, cutoff)
	}
	return nil, nil
}

func (m *mockStore) OpenTripsByDevice(ctx context.Context, deviceID int64) ([]store.Trip, error) {
	if m.OpenTripsByDeviceFunc != nil {
		return m.OpenTripsByDeviceFunc(ctx, deviceID)
	}
	return nil, nil
}

func (m *mockStore) LastGPSValidLocation(ctx context.Context, deviceID int64) (store.Location, error) {
	if m.LastGPSValidLocationFunc != nil {
		return m.LastGPSValidLocationFunc(ctx, deviceID)
	}
	return store.Location{}, store.ErrNotFound
}

func (m *mockStore) GPSValidRange(ctx context.Context, deviceID int64, from, to time.Time) ([]store.Location, error) {
	if m.GPSValidRangeFunc != nil {
		return m.GPSValidRangeFunc(ctx, deviceID, from, to)
	}
	return nil, nil
}

func (m *mockStore) FinalizeTrip(_ context.Context, tripID int64, endTime time.Time, distanceKm float64, endLocationID *int64, displayName *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized = append(m.finalized, finalizeCall{tripID, endTime, distanceKm, endLocationID, displayName})
	return nil
}

func (m *mockStore) Finalized() []finalizeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]finalizeCall{}, m.finalized...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatchdog_FinalizesStaleOpenTrip(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	t1 := t0.Add(20 * time.Minute)
	clock := clockwork.NewFakeClockAt(t1.Add(10 * time.Minute))

	device := store.Device{ID: 7, IMEI: "0123456789012345"}
	trip := store.Trip{ID: 42, DeviceID: 7, StartTime: t0}
	track := []store.Location{
		{ID: 100, DeviceID: 7, Latitude: 0, Longitude: 30, GPSValid: true, Timestamp: t0},
		{ID: 101, DeviceID: 7, Latitude: 0.5, Longitude: 30, GPSValid: true, Timestamp: t0.Add(10 * time.Minute)},
		{ID: 102, DeviceID: 7, Latitude: 1, Longitude: 30, GPSValid: true, Timestamp: t1},
	}

	ms := &mockStore{
		StaleDevicesWithOpenTripsFunc: func(_ context.Context, cutoff time.Time) ([]store.Device, error) {
			// The cutoff trails the current time by the staleness window.
			require.Equal(t, clock.Now().UTC().Add(-300*time.Second), cutoff)
			return []store.Device{device}, nil
		},
		OpenTripsByDeviceFunc: func(_ context.Context, deviceID int64) ([]store.Trip, error) {
			require.Equal(t, int64(7), deviceID)
			return []store.Trip{trip}, nil
		},
		LastGPSValidLocationFunc: func(_ context.Context, _ int64) (store.Location, error) {
			return track[2], nil
		},
		GPSValidRangeFunc: func(_ context.Context, _ int64, from, to time.Time) ([]store.Location, error) {
			require.Equal(t, t0, from)
			require.Equal(t, t1, to)
			return track, nil
		},
	}

	w, err := New(&Config{Logger: discardLogger(), Clock: clock, Store: ms})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// First tick fires after one sweep interval.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(60 * time.Second)

	require.Eventually(t, func() bool { return len(ms.Finalized()) == 1 }, 2*time.Second, 10*time.Millisecond)

	call := ms.Finalized()[0]
	require.Equal(t, int64(42), call.TripID)
	require.Equal(t, t1, call.EndTime)
	require.NotNil(t, call.EndLocationID)
	require.Equal(t, int64(102), *call.EndLocationID)

	wantDistance := geo.RouteDistance([]geo.Point{
		{Latitude: 0, Longitude: 30}, {Latitude: 0.5, Longitude: 30}, {Latitude: 1, Longitude: 30},
	})
	require.InDelta(t, wantDistance, call.DistanceKm, 1e-9)

	// Coordinate fallback name when no geocoder is wired.
	require.NotNil(t, call.DisplayName)
	require.Equal(t, "0.0000, 30.0000 → 1.0000, 30.0000", *call.DisplayName)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchdog_NoGPSValidFixEndsAtCurrentTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)

	ms := &mockStore{
		StaleDevicesWithOpenTripsFunc: func(context.Context, time.Time) ([]store.Device, error) {
			return []store.Device{{ID: 1, IMEI: "8600000000000001"}}, nil
		},
		OpenTripsByDeviceFunc: func(context.Context, int64) ([]store.Trip, error) {
			return []store.Trip{{ID: 5, DeviceID: 1, StartTime: now.Add(-time.Hour)}}, nil
		},
	}

	w, err := New(&Config{Logger: discardLogger(), Clock: clock, Store: ms})
	require.NoError(t, err)

	w.sweep(context.Background())

	calls := ms.Finalized()
	require.Len(t, calls, 1)
	require.Equal(t, now, calls[0].EndTime)
	require.Zero(t, calls[0].DistanceKm)
	require.Nil(t, calls[0].EndLocationID)
	require.Nil(t, calls[0].DisplayName)
}

func TestWatchdog_SweepErrorDoesNotStopRun(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var calls int
	var mu sync.Mutex

	ms := &mockStore{
		StaleDevicesWithOpenTripsFunc: func(context.Context, time.Time) ([]store.Device, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil, context.DeadlineExceeded
		},
	}

	w, err := New(&Config{Logger: discardLogger(), Clock: clock, Store: ms})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(60 * time.Second)
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return calls == i+1
		}, 2*time.Second, 10*time.Millisecond)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatchdog_GeocoderNamesTrip(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	track := []store.Location{
		{ID: 1, Latitude: -1.5, Longitude: 29.6, GPSValid: true, Timestamp: t0},
		{ID: 2, Latitude: -1.4, Longitude: 29.7, GPSValid: true, Timestamp: t0.Add(10 * time.Minute)},
	}

	ms := &mockStore{
		StaleDevicesWithOpenTripsFunc: func(context.Context, time.Time) ([]store.Device, error) {
			return []store.Device{{ID: 1, IMEI: "8600000000000001"}}, nil
		},
		OpenTripsByDeviceFunc: func(context.Context, int64) ([]store.Trip, error) {
			return []store.Trip{{ID: 9, DeviceID: 1, StartTime: t0}}, nil
		},
		LastGPSValidLocationFunc: func(context.Context, int64) (store.Location, error) {
			return track[1], nil
		},
		GPSValidRangeFunc: func(context.Context, int64, time.Time, time.Time) ([]store.Location, error) {
			return track, nil
		},
	}

	w, err := New(&Config{
		Logger: discardLogger(),
		Clock:  clockwork.NewFakeClockAt(t0.Add(time.Hour)),
		Store:  ms,
		Geocoder: geocoderFunc(func(context.Context, float64, float64, float64, float64) string {
			return "Muhoza, Musanze → Kinigi"
		}),
	})
	require.NoError(t, err)

	w.sweep(context.Background())

	calls := ms.Finalized()
	require.Len(t, calls, 1)
	require.Equal(t, "Muhoza, Musanze → Kinigi", *calls[0].DisplayName)
}

type geocoderFunc func(ctx context.Context, startLat, startLon, endLat, endLon float64) string

func (f geocoderFunc) BuildTripDisplayName(ctx context.Context, startLat, startLon, endLat, endLon float64) string {
	return f(ctx, startLat, startLon, endLat, endLon)
}
