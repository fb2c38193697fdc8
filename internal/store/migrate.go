package store

import (
	"context"
	"fmt"
)

// migrations are applied in order on startup. Statements are idempotent so a
// restart against an existing database is a no-op.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		imei TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'offline',
		last_connect TIMESTAMPTZ,
		last_update TIMESTAMPTZ,
		last_latitude DOUBLE PRECISION,
		last_longitude DOUBLE PRECISION,
		battery_level INT,
		gsm_signal INT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS locations (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		speed DOUBLE PRECISION NOT NULL DEFAULT 0,
		course INT NOT NULL DEFAULT 0,
		satellites INT NOT NULL DEFAULT 0,
		gps_valid BOOLEAN NOT NULL DEFAULT FALSE,
		is_alarm BOOLEAN NOT NULL DEFAULT FALSE,
		alarm_type TEXT,
		timestamp TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_locations_device_timestamp
		ON locations (device_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_locations_device_alarm
		ON locations (device_id, timestamp DESC) WHERE is_alarm`,
	`CREATE TABLE IF NOT EXISTS trips (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		user_id TEXT,
		name TEXT NOT NULL,
		display_name TEXT,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		total_distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
		start_location_id BIGINT REFERENCES locations(id) ON DELETE SET NULL,
		end_location_id BIGINT REFERENCES locations(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_device_open
		ON trips (device_id) WHERE end_time IS NULL`,
	`CREATE TABLE IF NOT EXISTS trip_settings (
		user_id TEXT PRIMARY KEY,
		stop_splits_trip_after_minutes INT NOT NULL DEFAULT 60,
		minimum_trip_duration_minutes INT NOT NULL DEFAULT 5,
		stop_speed_threshold_kmh DOUBLE PRECISION NOT NULL DEFAULT 5.0
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	s.log.Debug("database migrations applied", "count", len(migrations))
	return nil
}
