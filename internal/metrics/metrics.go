// Package metrics exposes Prometheus collectors for the sync daemon. The
// recording helpers are no-ops until Init runs.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agsys/edge-sync/internal/command"
	"github.com/agsys/edge-sync/internal/storage"
)

const (
	metricPrefix = "agsys_sync_"

	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultError   = "error"

	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomePermanent = "failed_permanent"
	OutcomeSkipped   = "skipped"
)

var (
	registerOnce sync.Once

	syncPasses     *prometheus.CounterVec
	syncLatency    *prometheus.HistogramVec
	commandResults *prometheus.CounterVec
	mirrorResults  *prometheus.CounterVec
	telemetryBatch *prometheus.CounterVec
	telemetryRows  *prometheus.CounterVec
	inboundFrames  *prometheus.CounterVec
	connections    *prometheus.GaugeVec
	network        prometheus.Gauge
)

// Source is the store behind the queue depth gauges
type Source interface {
	CountCommandsByStatus(ctx context.Context) (map[command.Status]int, error)
	CountTelemetryByStatus(ctx context.Context) (map[storage.SyncStatus]int, error)
}

// Init registers the collectors with the default registry. src may be nil.
func Init(src Source, log zerolog.Logger) {
	registerOnce.Do(func() {
		syncPasses = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "passes_total",
				Help: "Full sync passes by result",
			},
			[]string{"result"},
		)
		syncLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "pass_duration_seconds",
				Help:    "Full sync pass duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Dispatched commands by kind and outcome",
			},
			[]string{"kind", "outcome"},
		)
		mirrorResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "mirror_results_total",
				Help: "Backend mirroring attempts by result",
			},
			[]string{"result"},
		)
		telemetryBatch = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_batches_total",
				Help: "Telemetry upload batches by result",
			},
			[]string{"result"},
		)
		telemetryRows = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_records_total",
				Help: "Telemetry records uploaded or failed",
			},
			[]string{"result"},
		)
		inboundFrames = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "inbound_frames_total",
				Help: "Frames received from devices by protocol",
			},
			[]string{"protocol"},
		)
		connections = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "connections",
				Help: "Device adapters by connection state",
			},
			[]string{"state"},
		)
		network = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "network_available",
				Help: "1 when the backend is reachable",
			},
		)

		prometheus.MustRegister(
			syncPasses,
			syncLatency,
			commandResults,
			mirrorResults,
			telemetryBatch,
			telemetryRows,
			inboundFrames,
			connections,
			network,
		)

		if src != nil {
			registerStoreMetrics(src, log)
		}
	})
}

// Handler serves the default registry
func Handler() http.Handler { return promhttp.Handler() }

// ObserveSyncPass records one full sync pass
func ObserveSyncPass(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if syncPasses != nil {
		syncPasses.WithLabelValues(result).Inc()
	}
	if syncLatency != nil {
		syncLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncCommandResult counts one dispatched command
func IncCommandResult(kind, outcome string) {
	if kind == "" {
		kind = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(kind, outcome).Inc()
	}
}

// IncMirror counts one mirroring attempt
func IncMirror(result string) {
	if mirrorResults != nil {
		mirrorResults.WithLabelValues(result).Inc()
	}
}

// ObserveTelemetryBatch counts one upload batch of n records
func ObserveTelemetryBatch(result string, n int) {
	if telemetryBatch != nil {
		telemetryBatch.WithLabelValues(result).Inc()
	}
	if telemetryRows != nil && n > 0 {
		telemetryRows.WithLabelValues(result).Add(float64(n))
	}
}

// IncInbound counts one inbound device frame
func IncInbound(protocol string) {
	if inboundFrames != nil {
		inboundFrames.WithLabelValues(protocol).Inc()
	}
}

// SetConnections replaces the per-state adapter counts
func SetConnections(byState map[string]int) {
	if connections == nil {
		return
	}
	connections.Reset()
	for state, n := range byState {
		connections.WithLabelValues(state).Set(float64(n))
	}
}

// SetNetworkAvailable records backend reachability
func SetNetworkAvailable(up bool) {
	if network == nil {
		return
	}
	if up {
		network.Set(1)
	} else {
		network.Set(0)
	}
}
