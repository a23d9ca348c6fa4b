// Package netmon tracks whether the backend is reachable and reports the
// transitions.
package netmon

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/agsys/edge-sync/internal/observe"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Monitor polls a Prober. It starts out unavailable.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	avail *observe.Value[bool]
}

// New creates a monitor. Zero durations take the defaults.
func New(prober Prober, interval, timeout time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		log:      log.With().Str("component", "netmon").Logger(),
		avail:    observe.NewValue(false),
	}
}

// Available reports the last probe outcome
func (m *Monitor) Available() bool { return m.avail.Load() }

// Subscribe delivers true/false on every availability transition
func (m *Monitor) Subscribe(buf int) (<-chan bool, func()) { return m.avail.Subscribe(buf) }

// Check probes once and records the result
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Probe(ctx)
	up := err == nil
	if m.avail.Store(up) {
		if up {
			m.log.Info().Msg("network available")
		} else {
			m.log.Warn().Err(err).Msg("network unavailable")
		}
	}
	return up
}

// Run probes immediately and then every interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
