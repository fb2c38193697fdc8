// Package store persists devices, locations and trips in PostgreSQL.
package store

import "time"

// Device status values.
const (
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusInactive = "inactive"
)

// Device is one registered tracker, keyed by its IMEI identity.
type Device struct {
	ID          int64      `json:"id"`
	IMEI        string     `json:"imei"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	Status      string     `json:"status"`
	LastConnect *time.Time `json:"last_connect,omitempty"`
	LastUpdate  *time.Time `json:"last_update,omitempty"`
	LastLat     *float64   `json:"last_latitude,omitempty"`
	LastLon     *float64   `json:"last_longitude,omitempty"`
	Battery     *int       `json:"battery_level,omitempty"`
	GSMSignal   *int       `json:"gsm_signal,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Location is one persisted position report.
type Location struct {
	ID         int64     `json:"id"`
	DeviceID   int64     `json:"device_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	Course     int       `json:"course"`
	Satellites int       `json:"satellites"`
	GPSValid   bool      `json:"gps_valid"`
	IsAlarm    bool      `json:"is_alarm"`
	AlarmType  *string   `json:"alarm_type,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// Trip is a saved time range over a device's locations. A nil EndTime marks an
// open trip, which the watchdog finalizes when the device goes stale.
type Trip struct {
	ID              int64      `json:"id"`
	DeviceID        int64      `json:"device_id"`
	UserID          *string    `json:"user_id,omitempty"`
	Name            string     `json:"name"`
	DisplayName     *string    `json:"display_name,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	TotalDistanceKm float64    `json:"total_distance_km"`
	StartLocationID *int64     `json:"start_location_id,omitempty"`
	EndLocationID   *int64     `json:"end_location_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TripSettings are per-user trip segmentation preferences. User identity comes
// from the external auth layer, so the key is an opaque string.
type TripSettings struct {
	UserID                     string  `json:"user_id"`
	StopSplitsTripAfterMinutes int     `json:"stop_splits_trip_after_minutes"`
	MinimumTripDurationMinutes int     `json:"minimum_trip_duration_minutes"`
	StopSpeedThresholdKmh      float64 `json:"stop_speed_threshold_kmh"`
}

// DefaultTripSettings are returned for users who never saved preferences.
func DefaultTripSettings(userID string) TripSettings {
	return TripSettings{
		UserID:                     userID,
		StopSplitsTripAfterMinutes: 60,
		MinimumTripDurationMinutes: 5,
		StopSpeedThresholdKmh:      5.0,
	}
}

// NewDevice is the payload for creating a device through the API.
type NewDevice struct {
	IMEI        string  `json:"imei"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// DeviceUpdate carries the mutable device fields; nil means unchanged.
type DeviceUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
}

// NewTrip is the payload for saving a trip through the API.
type NewTrip struct {
	DeviceID  int64      `json:"device_id"`
	UserID    *string    `json:"user_id,omitempty"`
	Name      string     `json:"name"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}
