package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/bythron/trackerd/internal/gateway"
	"github.com/bythron/trackerd/internal/geo"
	"github.com/bythron/trackerd/internal/store"
	"github.com/bythron/trackerd/internal/trips"
)

type Handler struct {
	log *slog.Logger
	cfg *Config
}

func NewHandler(cfg *Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{log: cfg.Logger, cfg: cfg}, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg, Code: status})
}

// writeStoreError maps persistence failures onto HTTP statuses.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	h.log.Error("store query failed", "error", err)
	h.writeJSONError(w, http.StatusInternalServerError, "storage error")
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthzHandler)

	mux.HandleFunc("GET /api/devices", h.listDevicesHandler)
	mux.HandleFunc("POST /api/devices", h.createDeviceHandler)
	mux.HandleFunc("GET /api/devices/nearby", h.nearbyDevicesHandler)
	mux.HandleFunc("GET /api/devices/imei/{imei}", h.getDeviceByIMEIHandler)
	mux.HandleFunc("GET /api/devices/{id}", h.getDeviceHandler)
	mux.HandleFunc("PATCH /api/devices/{id}", h.updateDeviceHandler)
	mux.HandleFunc("DELETE /api/devices/{id}", h.deleteDeviceHandler)
	mux.HandleFunc("GET /api/devices/{id}/diagnostics", h.deviceDiagnosticsHandler)
	mux.HandleFunc("GET /api/devices/{id}/locations/latest", h.latestLocationHandler)
	mux.HandleFunc("GET /api/devices/{id}/locations", h.locationHistoryHandler)
	mux.HandleFunc("GET /api/devices/{id}/route", h.routeHandler)
	mux.HandleFunc("GET /api/devices/{id}/alarms", h.alarmsHandler)
	mux.HandleFunc("POST /api/devices/{id}/command", h.commandHandler)
	mux.HandleFunc("GET /api/devices/{id}/trips", h.listTripsHandler)

	mux.HandleFunc("POST /api/trips", h.createTripHandler)
	mux.HandleFunc("GET /api/trips/suggested", h.suggestedTripsHandler)
	mux.HandleFunc("GET /api/trips/{id}", h.getTripHandler)
	mux.HandleFunc("DELETE /api/trips/{id}", h.deleteTripHandler)

	mux.HandleFunc("GET /api/trip-settings/{user}", h.getTripSettingsHandler)
	mux.HandleFunc("PUT /api/trip-settings/{user}", h.putTripSettingsHandler)

	mux.HandleFunc("GET /api/events", h.eventsHandler)
}

func (h *Handler) healthzHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (h *Handler) listDevicesHandler(w http.ResponseWriter, r *http.Request) {
	devices, err := h.cfg.Store.ListDevices(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	h.writeJSON(w, http.StatusOK, devices)
}

func (h *Handler) createDeviceHandler(w http.ResponseWriter, r *http.Request) {
	var nd store.NewDevice
	if err := json.NewDecoder(r.Body).Decode(&nd); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if nd.IMEI == "" || nd.Name == "" {
		h.writeJSONError(w, http.StatusBadRequest, "imei and name are required")
		return
	}
	device, err := h.cfg.Store.CreateDevice(r.Context(), nd)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, device)
}

func (h *Handler) getDeviceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	device, err := h.cfg.Store.GetDevice(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, device)
}

func (h *Handler) getDeviceByIMEIHandler(w http.ResponseWriter, r *http.Request) {
	device, err := h.cfg.Store.GetDeviceByIMEI(r.Context(), r.PathValue("imei"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, device)
}

func (h *Handler) updateDeviceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	var upd store.DeviceUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	device, err := h.cfg.Store.UpdateDevice(r.Context(), id, upd)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, device)
}

func (h *Handler) deleteDeviceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	if err := h.cfg.Store.DeleteDevice(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type diagnosticsResponse struct {
	DeviceID           int64      `json:"device_id"`
	IMEI               string     `json:"imei"`
	Classification     string     `json:"classification"`
	Status             string     `json:"status"`
	LastUpdate         *time.Time `json:"last_update,omitempty"`
	SecondsSinceUpdate *int64     `json:"seconds_since_update,omitempty"`
	Battery            *int       `json:"battery_level,omitempty"`
	GSMSignal          *int       `json:"gsm_signal,omitempty"`
}

// classify buckets a device by how recently it reported.
func (h *Handler) classify(lastUpdate *time.Time) (string, *int64) {
	if lastUpdate == nil {
		return "No data", nil
	}
	since := int64(h.cfg.Clock.Since(*lastUpdate).Seconds())
	switch {
	case since <= int64(h.cfg.SendingStaleAfter.Seconds()):
		return "Sending", &since
	case since <= int64(h.cfg.OfflineAfter.Seconds()):
		return "Stale", &since
	default:
		return "Offline (timed out)", &since
	}
}

func (h *Handler) deviceDiagnosticsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	device, err := h.cfg.Store.GetDevice(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	classification, since := h.classify(device.LastUpdate)
	h.writeJSON(w, http.StatusOK, diagnosticsResponse{
		DeviceID:           device.ID,
		IMEI:               device.IMEI,
		Classification:     classification,
		Status:             device.Status,
		LastUpdate:         device.LastUpdate,
		SecondsSinceUpdate: since,
		Battery:            device.Battery,
		GSMSignal:          device.GSMSignal,
	})
}

func (h *Handler) latestLocationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	loc, err := h.cfg.Store.LatestLocation(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loc)
}

// timeRange parses optional start/end query params, defaulting to the last
// 24 hours.
func (h *Handler) timeRange(r *http.Request) (time.Time, time.Time, error) {
	now := h.cfg.Clock.Now().UTC()
	from, to := now.Add(-24*time.Hour), now

	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, err
		}
		from = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, err
		}
		to = t
	}
	return from, to, nil
}

func (h *Handler) locationHistoryHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	from, to, err := h.timeRange(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid time range")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	locs, err := h.cfg.Store.LocationHistory(r.Context(), id, from, to, limit)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if locs == nil {
		locs = []store.Location{}
	}
	h.writeJSON(w, http.StatusOK, locs)
}

type geoJSONGeometry struct {
	Type        string       `json:"type"`
	Coordinates [][2]float64 `json:"coordinates"`
}

type geoJSONFeature struct {
	Type       string          `json:"type"`
	Geometry   geoJSONGeometry `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// routeHandler returns the GPS-valid track as a GeoJSON LineString with its
// total Haversine distance.
func (h *Handler) routeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	from, to, err := h.timeRange(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid time range")
		return
	}

	locs, err := h.cfg.Store.GPSValidRange(r.Context(), id, from, to)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	coords := make([][2]float64, len(locs))
	points := make([]geo.Point, len(locs))
	for i, l := range locs {
		coords[i] = [2]float64{l.Longitude, l.Latitude} // GeoJSON is lon,lat
		points[i] = geo.Point{Latitude: l.Latitude, Longitude: l.Longitude}
	}

	h.writeJSON(w, http.StatusOK, geoJSONFeature{
		Type:     "Feature",
		Geometry: geoJSONGeometry{Type: "LineString", Coordinates: coords},
		Properties: map[string]any{
			"device_id":         id,
			"point_count":       len(locs),
			"total_distance_km": geo.RouteDistance(points),
		},
	})
}

func (h *Handler) alarmsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	alarms, err := h.cfg.Store.ListAlarms(r.Context(), id, limit)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if alarms == nil {
		alarms = []store.Location{}
	}
	h.writeJSON(w, http.StatusOK, alarms)
}

type nearbyDevice struct {
	DeviceID   int64      `json:"device_id"`
	Name       string     `json:"name"`
	IMEI       string     `json:"imei"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	DistanceKm float64    `json:"distance_km"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
}

type nearbyResponse struct {
	Center       [2]float64     `json:"center"`
	RadiusKm     float64        `json:"radius_km"`
	DevicesFound int            `json:"devices_found"`
	Devices      []nearbyDevice `json:"devices"`
}

func (h *Handler) nearbyDevicesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	if latErr != nil || lonErr != nil {
		h.writeJSONError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	radiusKm := 5.0
	if v := q.Get("radius_km"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			h.writeJSONError(w, http.StatusBadRequest, "invalid radius_km")
			return
		}
		radiusKm = r
	}

	devices, err := h.cfg.Store.ListDevices(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	nearby := []nearbyDevice{}
	for _, d := range devices {
		if d.LastLat == nil || d.LastLon == nil {
			continue
		}
		distance := geo.Haversine(lat, lon, *d.LastLat, *d.LastLon)
		if distance > radiusKm {
			continue
		}
		nearby = append(nearby, nearbyDevice{
			DeviceID:   d.ID,
			Name:       d.Name,
			IMEI:       d.IMEI,
			Latitude:   *d.LastLat,
			Longitude:  *d.LastLon,
			DistanceKm: distance,
			LastUpdate: d.LastUpdate,
		})
	}
	sort.Slice(nearby, func(i, j int) bool { return nearby[i].DistanceKm < nearby[j].DistanceKm })

	h.writeJSON(w, http.StatusOK, nearbyResponse{
		Center:       [2]float64{lat, lon},
		RadiusKm:     radiusKm,
		DevicesFound: len(nearby),
		Devices:      nearby,
	})
}

type commandRequest struct {
	Content        string `json:"content"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (h *Handler) commandHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Content == "" {
		h.writeJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	device, err := h.cfg.Store.GetDevice(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := h.cfg.Dispatcher.SendCommand(r.Context(), device.IMEI, req.Content, timeout)
	if err != nil {
		if errors.Is(err, gateway.ErrNotConnected) {
			h.writeJSONError(w, http.StatusServiceUnavailable, "device not connected")
			return
		}
		h.log.Error("command dispatch failed", "identity", device.IMEI, "error", err)
		h.writeJSONError(w, http.StatusBadGateway, "command dispatch failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) listTripsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	tripList, err := h.cfg.Store.ListTrips(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if tripList == nil {
		tripList = []store.Trip{}
	}
	h.writeJSON(w, http.StatusOK, tripList)
}

func (h *Handler) createTripHandler(w http.ResponseWriter, r *http.Request) {
	var nt store.NewTrip
	if err := json.NewDecoder(r.Body).Decode(&nt); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if nt.DeviceID == 0 || nt.Name == "" || nt.StartTime.IsZero() {
		h.writeJSONError(w, http.StatusBadRequest, "device_id, name and start_time are required")
		return
	}
	trip, err := h.cfg.Store.CreateTrip(r.Context(), nt)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, trip)
}

func (h *Handler) getTripHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid trip id")
		return
	}
	trip, err := h.cfg.Store.GetTrip(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, trip)
}

func (h *Handler) deleteTripHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid trip id")
		return
	}
	if err := h.cfg.Store.DeleteTrip(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) suggestedTripsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID, err := strconv.ParseInt(q.Get("device_id"), 10, 64)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	from, to, err := h.timeRange(r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid time range")
		return
	}

	settings, err := h.cfg.Store.GetTripSettings(r.Context(), q.Get("user_id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	locs, err := h.cfg.Store.GPSValidRange(r.Context(), deviceID, from, to)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	suggested := trips.Detect(locs, settings)
	if suggested == nil {
		suggested = []trips.Suggested{}
	}
	h.writeJSON(w, http.StatusOK, suggested)
}

func (h *Handler) getTripSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings, err := h.cfg.Store.GetTripSettings(r.Context(), r.PathValue("user"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) putTripSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var ts store.TripSettings
	if err := json.NewDecoder(r.Body).Decode(&ts); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ts.UserID = r.PathValue("user")
	if ts.StopSplitsTripAfterMinutes <= 0 || ts.MinimumTripDurationMinutes < 0 || ts.StopSpeedThresholdKmh < 0 {
		h.writeJSONError(w, http.StatusBadRequest, "invalid settings values")
		return
	}
	saved, err := h.cfg.Store.UpsertTripSettings(r.Context(), ts)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, saved)
}
