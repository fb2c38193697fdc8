// Package api serves the operator HTTP interface: device and trip queries,
// command dispatch, diagnostics, and the live event stream. Caller
// authentication is handled by the deployment's edge, not here.
package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bythron/trackerd/internal/events"
	"github.com/bythron/trackerd/internal/gateway"
	"github.com/bythron/trackerd/internal/store"
)

const (
	defaultSendingStaleAfter = 120 * time.Second
	defaultOfflineAfter      = 300 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

// Store is the persistence surface the API consumes.
type Store interface {
	ListDevices(ctx context.Context) ([]store.Device, error)
	GetDevice(ctx context.Context, id int64) (store.Device, error)
	GetDeviceByIMEI(ctx context.Context, imei string) (store.Device, error)
	CreateDevice(ctx context.Context, nd store.NewDevice) (store.Device, error)
	UpdateDevice(ctx context.Context, id int64, upd store.DeviceUpdate) (store.Device, error)
	DeleteDevice(ctx context.Context, id int64) error

	LatestLocation(ctx context.Context, deviceID int64) (store.Location, error)
	LocationHistory(ctx context.Context, deviceID int64, from, to time.Time, limit int) ([]store.Location, error)
	GPSValidRange(ctx context.Context, deviceID int64, from, to time.Time) ([]store.Location, error)
	ListAlarms(ctx context.Context, deviceID int64, limit int) ([]store.Location, error)

	ListTrips(ctx context.Context, deviceID int64) ([]store.Trip, error)
	GetTrip(ctx context.Context, id int64) (store.Trip, error)
	CreateTrip(ctx context.Context, nt store.NewTrip) (store.Trip, error)
	DeleteTrip(ctx context.Context, id int64) error

	GetTripSettings(ctx context.Context, userID string) (store.TripSettings, error)
	UpsertTripSettings(ctx context.Context, ts store.TripSettings) (store.TripSettings, error)
}

// Dispatcher relays operator commands to connected devices.
type Dispatcher interface {
	SendCommand(ctx context.Context, identity, content string, timeout time.Duration) (gateway.CommandResult, error)
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Store       Store
	Dispatcher  Dispatcher
	Broadcaster *events.Broadcaster

	// SendingStaleAfter and OfflineAfter drive the diagnostics
	// classification: Sending, then Stale, then Offline.
	SendingStaleAfter time.Duration
	OfflineAfter      time.Duration

	ShutdownTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SendingStaleAfter == 0 {
		c.SendingStaleAfter = defaultSendingStaleAfter
	}
	if c.OfflineAfter == 0 {
		c.OfflineAfter = defaultOfflineAfter
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}
