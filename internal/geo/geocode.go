package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

const (
	defaultNominatimBaseURL = "https://nominatim.openstreetmap.org"
	defaultUserAgent        = "trackerd/1.0 (ops@bythron.com)"
	defaultRequestTimeout   = 5 * time.Second
	defaultCacheTTL         = 24 * time.Hour

	// Nominatim usage policy caps clients at one request per second.
	requestSpacing = time.Second

	// cacheCoordPrecision rounds cache keys to ~111m cells.
	cacheCoordPrecision = 3
)

// GeocoderConfig configures the Nominatim reverse geocoder.
type GeocoderConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
	CacheTTL       time.Duration
	HTTPClient     *http.Client
}

func (c *GeocoderConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultNominatimBaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.RequestTimeout}
	}
	return nil
}

// Geocoder resolves coordinates to short place names via Nominatim, caching
// results per rounded coordinate cell and pacing requests to the service's
// rate policy.
type Geocoder struct {
	log   *slog.Logger
	cfg   *GeocoderConfig
	cache *ttlcache.Cache[string, string]

	mu          sync.Mutex
	lastRequest time.Time
}

func NewGeocoder(cfg *GeocoderConfig) (*Geocoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](cfg.CacheTTL),
	)
	go cache.Start()
	return &Geocoder{
		log:   cfg.Logger,
		cfg:   cfg,
		cache: cache,
	}, nil
}

func (g *Geocoder) Close() {
	g.cache.Stop()
}

func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("%.*f,%.*f", cacheCoordPrecision, lat, cacheCoordPrecision, lon)
}

// ReversePlaceName returns a short place name for the point, or "" when the
// lookup fails or resolves to nothing useful. It never returns an error to
// callers; geocoding is best effort.
func (g *Geocoder) ReversePlaceName(ctx context.Context, lat, lon float64) string {
	key := cacheKey(lat, lon)
	if item := g.cache.Get(key); item != nil {
		return item.Value()
	}

	g.pace()

	var name string
	op := func() error {
		n, err := g.fetch(ctx, lat, lon)
		if err != nil {
			return err
		}
		name = n
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		g.log.Warn("reverse geocoding failed", "lat", lat, "lon", lon, "error", err)
		// Negative results are cached too so a flaky upstream is not hammered
		// for the same cell.
		g.cache.Set(key, "", ttlcache.DefaultTTL)
		return ""
	}

	g.cache.Set(key, name, ttlcache.DefaultTTL)
	return name
}

// pace spaces consecutive upstream requests by the policy interval.
func (g *Geocoder) pace() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if elapsed := g.cfg.Clock.Since(g.lastRequest); elapsed < requestSpacing {
		g.cfg.Clock.Sleep(requestSpacing - elapsed)
	}
	g.lastRequest = g.cfg.Clock.Now()
}

type nominatimResponse struct {
	Address map[string]string `json:"address"`
}

func (g *Geocoder) fetch(ctx context.Context, lat, lon float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%f", lat))
	q.Set("lon", fmt.Sprintf("%f", lon))
	q.Set("format", "json")
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)

	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("nominatim request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("nominatim status %d", resp.StatusCode)
	}

	var body nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode nominatim response: %w", err)
	}
	return extractPlaceName(body.Address), nil
}

// extractPlaceName builds a short, human-readable name from a Nominatim
// address map: road, then suburb, then district, then province, skipping
// duplicates and absent fields.
func extractPlaceName(address map[string]string) string {
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := address[k]; v != "" {
				return v
			}
		}
		return ""
	}

	var parts []string
	appendUnique := func(v string) {
		if v == "" {
			return
		}
		for _, p := range parts {
			if p == v {
				return
			}
		}
		parts = append(parts, v)
	}

	appendUnique(first("road", "street", "path"))
	appendUnique(first("suburb", "neighbourhood", "quarter", "borough", "sector"))
	appendUnique(first("city", "town", "village", "municipality", "city_district", "district"))
	appendUnique(first("state", "province"))

	if len(parts) == 0 {
		return ""
	}
	name := parts[0]
	for _, p := range parts[1:] {
		name += ", " + p
	}
	return name
}

// FormatCoordinates is the display fallback when geocoding yields nothing.
func FormatCoordinates(lat, lon float64) string {
	return fmt.Sprintf("%.4f, %.4f", lat, lon)
}

// BuildTripDisplayName names a trip from its endpoints, for example
// "Muhoza, Musanze → Kinigi". Either side falls back to raw coordinates when
// the lookup fails. At most two upstream calls are made.
func (g *Geocoder) BuildTripDisplayName(ctx context.Context, startLat, startLon, endLat, endLon float64) string {
	start := g.ReversePlaceName(ctx, startLat, startLon)
	if start == "" {
		start = FormatCoordinates(startLat, startLon)
	}
	end := g.ReversePlaceName(ctx, endLat, endLon)
	if end == "" {
		end = FormatCoordinates(endLat, endLon)
	}
	return start + " → " + end
}
