package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/agsys/edge-sync/internal/command"
	"github.com/agsys/edge-sync/internal/storage"
)

const gaugeQueryTimeout = 2 * time.Second

func registerStoreMetrics(src Source, log zerolog.Logger) {
	for _, s := range command.AllStatuses {
		s := s
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        metricPrefix + "commands",
				Help:        "Commands in the durable queue by status",
				ConstLabels: prometheus.Labels{"status": string(s)},
			},
			func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), gaugeQueryTimeout)
				defer cancel()
				counts, err := src.CountCommandsByStatus(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("metrics query failed")
					return 0
				}
				return float64(counts[s])
			},
		))
	}

	for _, s := range []storage.SyncStatus{storage.SyncPending, storage.SyncSynced, storage.SyncFailed} {
		s := s
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        metricPrefix + "telemetry_buffered",
				Help:        "Buffered telemetry records by sync status",
				ConstLabels: prometheus.Labels{"sync_status": string(s)},
			},
			func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), gaugeQueryTimeout)
				defer cancel()
				counts, err := src.CountTelemetryByStatus(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("metrics query failed")
					return 0
				}
				return float64(counts[s])
			},
		))
	}
}
