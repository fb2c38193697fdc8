// Package watchdog auto-ends open trips for devices that stopped reporting.
package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bythron/trackerd/internal/events"
	"github.com/bythron/trackerd/internal/geo"
	"github.com/bythron/trackerd/internal/metrics"
	"github.com/bythron/trackerd/internal/store"
)

const (
	defaultSweepInterval = 60 * time.Second
	defaultStaleness     = 300 * time.Second
)

// Store is the persistence surface the watchdog consumes.
type Store interface {
	StaleDevicesWithOpenTrips(ctx context.Context, cutoff time.Time) ([]store.Device, error)
	OpenTripsByDevice(ctx context.Context, deviceID int64) ([]store.Trip, error)
	LastGPSValidLocation(ctx context.Context, deviceID int64) (store.Location, error)
	GPSValidRange(ctx context.Context, deviceID int64, from, to time.Time) ([]store.Location, error)
	FinalizeTrip(ctx context.Context, tripID int64, endTime time.Time, distanceKm float64, endLocationID *int64, displayName *string) error
}

// Geocoder names a finalized trip from its endpoints. Best effort.
type Geocoder interface {
	BuildTripDisplayName(ctx context.Context, startLat, startLon, endLat, endLon float64) string
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Store       Store
	Geocoder    Geocoder // optional
	Broadcaster *events.Broadcaster

	// SweepInterval is how often stale devices are checked.
	SweepInterval time.Duration

	// Staleness is how long a device may stay silent before its open trips
	// are ended.
	Staleness time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.Staleness == 0 {
		c.Staleness = defaultStaleness
	}
	return nil
}

// Watchdog periodically finalizes open trips of silent devices. Sweep errors
// are logged and never propagate; the next tick retries.
type Watchdog struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Watchdog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Watchdog{log: cfg.Logger, cfg: cfg}, nil
}

// Start runs the sweep loop in the background.
func (w *Watchdog) Start(ctx context.Context, cancel context.CancelFunc) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := w.Run(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()
	return errCh
}

// Run sweeps on every tick until the context is canceled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.log.Info("trip watchdog started",
		"interval", w.cfg.SweepInterval, "staleness", w.cfg.Staleness)

	ticker := w.cfg.Clock.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("trip watchdog stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	cutoff := w.cfg.Clock.Now().UTC().Add(-w.cfg.Staleness)
	devices, err := w.cfg.Store.StaleDevicesWithOpenTrips(ctx, cutoff)
	if err != nil {
		metrics.WatchdogSweepErrs.Inc()
		w.log.Error("stale device query failed", "error", err)
		return
	}

	for _, device := range devices {
		w.finalizeDeviceTrips(ctx, device)
	}
}

func (w *Watchdog) finalizeDeviceTrips(ctx context.Context, device store.Device) {
	log := w.log.With("identity", device.IMEI, "device_id", device.ID)

	// The trip ends where the device was last actually seen with a fix;
	// a device that never produced one ends at the current time.
	endTime := w.cfg.Clock.Now().UTC()
	lastValid, err := w.cfg.Store.LastGPSValidLocation(ctx, device.ID)
	switch {
	case err == nil:
		endTime = lastValid.Timestamp
	case errors.Is(err, store.ErrNotFound):
	default:
		metrics.WatchdogSweepErrs.Inc()
		log.Error("last location query failed", "error", err)
		return
	}

	trips, err := w.cfg.Store.OpenTripsByDevice(ctx, device.ID)
	if err != nil {
		metrics.WatchdogSweepErrs.Inc()
		log.Error("open trip query failed", "error", err)
		return
	}

	for _, trip := range trips {
		w.finalizeTrip(ctx, log, device, trip, endTime)
	}
}

func (w *Watchdog) finalizeTrip(ctx context.Context, log *slog.Logger, device store.Device, trip store.Trip, endTime time.Time) {
	if endTime.Before(trip.StartTime) {
		endTime = trip.StartTime
	}

	locs, err := w.cfg.Store.GPSValidRange(ctx, device.ID, trip.StartTime, endTime)
	if err != nil {
		metrics.WatchdogSweepErrs.Inc()
		log.Error("trip range query failed", "trip_id", trip.ID, "error", err)
		return
	}

	var distanceKm float64
	var endLocationID *int64
	var displayName *string
	if len(locs) > 0 {
		points := make([]geo.Point, len(locs))
		for i, l := range locs {
			points[i] = geo.Point{Latitude: l.Latitude, Longitude: l.Longitude}
		}
		distanceKm = geo.RouteDistance(points)
		endLocationID = &locs[len(locs)-1].ID

		name := geo.FormatCoordinates(locs[0].Latitude, locs[0].Longitude) +
			" → " + geo.FormatCoordinates(locs[len(locs)-1].Latitude, locs[len(locs)-1].Longitude)
		if w.cfg.Geocoder != nil {
			name = w.cfg.Geocoder.BuildTripDisplayName(ctx,
				locs[0].Latitude, locs[0].Longitude,
				locs[len(locs)-1].Latitude, locs[len(locs)-1].Longitude)
		}
		displayName = &name
	}

	if err := w.cfg.Store.FinalizeTrip(ctx, trip.ID, endTime, distanceKm, endLocationID, displayName); err != nil {
		metrics.WatchdogSweepErrs.Inc()
		log.Error("trip finalize failed", "trip_id", trip.ID, "error", err)
		return
	}

	metrics.TripsFinalized.Inc()
	log.Info("trip auto-ended",
		"trip_id", trip.ID, "end_time", endTime, "distance_km", distanceKm)
	if w.cfg.Broadcaster != nil {
		w.cfg.Broadcaster.Publish(events.Event{
			Kind: events.KindTripEnded, Identity: device.IMEI, Time: endTime,
		})
	}
}
