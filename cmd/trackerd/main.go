package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/bythron/trackerd/internal/api"
	"github.com/bythron/trackerd/internal/events"
	"github.com/bythron/trackerd/internal/gateway"
	"github.com/bythron/trackerd/internal/geo"
	"github.com/bythron/trackerd/internal/metrics"
	"github.com/bythron/trackerd/internal/store"
	"github.com/bythron/trackerd/internal/watchdog"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultTCPHost     = "0.0.0.0"
	defaultTCPPort     = "7018"
	defaultHTTPAddr    = ":8000"
	defaultMetricsAddr = ":9090"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	// Start prometheus metrics server
	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	tcpListener, err := net.Listen("tcp", net.JoinHostPort(cfg.TCPHost, cfg.TCPPort))
	if err != nil {
		return fmt.Errorf("failed to bind tracker tcp listener: %w", err)
	}
	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to bind http listener: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.New(ctx, &store.Config{
		Logger: log,
		DSN:    cfg.DatabaseDSN,
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	defer db.Close()

	broadcaster := events.NewBroadcaster(log)

	geocoder, err := geo.NewGeocoder(&geo.GeocoderConfig{
		Logger:    log,
		BaseURL:   cfg.NominatimBaseURL,
		UserAgent: cfg.NominatimUserAgent,
	})
	if err != nil {
		return fmt.Errorf("failed to create geocoder: %w", err)
	}
	defer geocoder.Close()

	gatewaySrv, err := gateway.NewServer(&gateway.Config{
		Logger:                  log,
		Store:                   db,
		Broadcaster:             broadcaster,
		ForceSouthernHemisphere: cfg.ForceSouthernHemisphere,
		CommandTimeout:          time.Duration(cfg.CommandTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	dispatcher := gateway.NewDispatcher(log, gatewaySrv.Registry(),
		time.Duration(cfg.CommandTimeoutSeconds)*time.Second)

	dog, err := watchdog.New(&watchdog.Config{
		Logger:      log,
		Store:       db,
		Geocoder:    geocoder,
		Broadcaster: broadcaster,
		Staleness:   time.Duration(cfg.TripAutoEndStaleSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create trip watchdog: %w", err)
	}

	apiSrv, err := api.NewServer(&api.Config{
		Logger:            log,
		Store:             db,
		Dispatcher:        dispatcher,
		Broadcaster:       broadcaster,
		SendingStaleAfter: time.Duration(cfg.DeviceSendingStaleSeconds) * time.Second,
		OfflineAfter:      time.Duration(cfg.DeviceOfflineTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}

	gatewayErrCh := gatewaySrv.Start(ctx, cancel, tcpListener)
	watchdogErrCh := dog.Start(ctx, cancel)
	apiErrCh := apiSrv.Start(ctx, cancel, httpListener)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-gatewayErrCh:
		if err != nil {
			return fmt.Errorf("gateway failed: %w", err)
		}
	case err := <-watchdogErrCh:
		if err != nil {
			return fmt.Errorf("watchdog failed: %w", err)
		}
	case err := <-apiErrCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
	}

	cancel()
	<-gatewayErrCh
	<-watchdogErrCh
	<-apiErrCh
	log.Info("trackerd stopped")
	return nil
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	MetricsAddr string

	TCPHost  string
	TCPPort  string
	HTTPAddr string

	DatabaseDSN string

	DeviceSendingStaleSeconds   int
	DeviceOfflineTimeoutSeconds int
	TripAutoEndStaleSeconds     int
	CommandTimeoutSeconds       int
	ForceSouthernHemisphere     bool

	NominatimBaseURL   string
	NominatimUserAgent string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func loadConfig() (Config, error) {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	var cfg Config

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")

	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	flag.StringVar(&cfg.TCPHost, "tcp-host", getenv("TCP_HOST", defaultTCPHost), "tracker tcp bind host (env: TCP_HOST)")
	flag.StringVar(&cfg.TCPPort, "tcp-port", getenv("TCP_PORT", defaultTCPPort), "tracker tcp bind port (env: TCP_PORT)")
	flag.StringVar(&cfg.HTTPAddr, "http-addr", getenv("HTTP_ADDR", defaultHTTPAddr), "http api listen address (env: HTTP_ADDR)")
	flag.StringVar(&cfg.DatabaseDSN, "database-dsn", getenv("DATABASE_DSN", ""), "postgres connection string (env: DATABASE_DSN)")
	flag.BoolVar(&cfg.ForceSouthernHemisphere, "force-southern-hemisphere", getenvBool("FORCE_SOUTHERN_HEMISPHERE", false), "flip latitudes decoded as North (env: FORCE_SOUTHERN_HEMISPHERE)")
	flag.StringVar(&cfg.NominatimBaseURL, "nominatim-base-url", getenv("NOMINATIM_BASE_URL", ""), "reverse geocoding base url (env: NOMINATIM_BASE_URL)")
	flag.StringVar(&cfg.NominatimUserAgent, "nominatim-user-agent", getenv("NOMINATIM_USER_AGENT", ""), "reverse geocoding user agent (env: NOMINATIM_USER_AGENT)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	var err error
	cfg.DeviceSendingStaleSeconds, err = getenvInt("DEVICE_SENDING_STALE_SECONDS", 120)
	if err != nil {
		return Config{}, err
	}
	cfg.DeviceOfflineTimeoutSeconds, err = getenvInt("DEVICE_OFFLINE_TIMEOUT_SECONDS", 300)
	if err != nil {
		return Config{}, err
	}
	cfg.TripAutoEndStaleSeconds, err = getenvInt("TRIP_AUTO_END_STALE_SECONDS", 300)
	if err != nil {
		return Config{}, err
	}
	cfg.CommandTimeoutSeconds, err = getenvInt("COMMAND_DEFAULT_TIMEOUT_SECONDS", 10)
	if err != nil {
		return Config{}, err
	}

	if cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("database DSN is empty (set DATABASE_DSN or --database-dsn)")
	}

	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
