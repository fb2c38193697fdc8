package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trackerd_build_info",
		Help: "Build information of the tracker gateway",
	}, []string{"version", "commit", "date"})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackerd_connections_active", Help: "Currently open device TCP connections.",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackerd_connections_total", Help: "Total accepted device TCP connections.",
	})
	ConnectionsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackerd_connections_superseded_total", Help: "Connections closed because the same identity logged in again.",
	})

	PacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackerd_packets_total", Help: "Decoded inbound packets by protocol number.",
	}, []string{"proto"})
	DecodeErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackerd_decode_errors_total", Help: "Frames that failed structural decoding.",
	})
	CRCMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackerd_crc_mismatches_total", Help: "Frames decoded with an invalid checksum.",
	})
	BytesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackerd_bytes_discarded_total", Help: "Stream bytes discarded while re-synchronizing on the start marker.",
	})
	AcksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackerd_acks_sent_total", Help: "Acknowledgement frames written, by protocol number.",
	}, []string{"proto"})

	CommandOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackerd_command_outcomes_total", Help: "Command dispatch outcomes.",
	}, []string{"result"})

	StoreErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackerd_store_errors_total", Help: "Persistence failures by operation.",
	}, []string{"op"})

	TripsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackerd_trips_finalized_total", Help: "Open trips closed by the staleness watchdog.",
	})
	WatchdogSweepErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackerd_watchdog_sweep_errors_total", Help: "Watchdog sweeps that hit a persistence error.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackerd_events_dropped_total", Help: "Events dropped because a subscriber channel was full.",
	})
)
