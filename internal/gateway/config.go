// Package gateway accepts tracker TCP connections, decodes their traffic,
// persists it, and relays operator commands to live devices.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bythron/trackerd/internal/events"
	"github.com/bythron/trackerd/internal/store"
)

const (
	defaultCommandTimeout = 10 * time.Second
	defaultShutdownGrace  = 5 * time.Second

	// readChunkSize bounds one socket read so a noisy device cannot
	// monopolize scheduler time; the framer paces the work.
	readChunkSize = 1024
)

// Store is the persistence surface the gateway consumes.
type Store interface {
	UpsertDeviceOnLogin(ctx context.Context, imei string) (store.Device, error)
	TouchHeartbeat(ctx context.Context, imei string, batteryPercent, gsmSignal int) error
	SetDeviceStatus(ctx context.Context, imei, status string) error
	InsertLocation(ctx context.Context, loc store.Location) (int64, error)
}

// Config configures the gateway server and its sessions.
type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Store       Store
	Registry    *Registry
	Broadcaster *events.Broadcaster

	// ForceSouthernHemisphere flips latitudes decoded as North. Regional
	// workaround for devices that misreport the hemisphere bit.
	ForceSouthernHemisphere bool

	// CommandTimeout bounds the wait for a device's command reply when the
	// caller supplies no deadline of its own.
	CommandTimeout time.Duration

	// ShutdownGrace bounds how long shutdown waits for sessions to drain
	// after their sockets are closed.
	ShutdownGrace time.Duration
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
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	return nil
}
