// Package engine wires the sync daemon together: device connections,
// the command queue, the orchestrator and the backend.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agsys/edge-sync/internal/cloud"
	"github.com/agsys/edge-sync/internal/command"
	"github.com/agsys/edge-sync/internal/config"
	"github.com/agsys/edge-sync/internal/metrics"
	"github.com/agsys/edge-sync/internal/netmon"
	"github.com/agsys/edge-sync/internal/queue"
	"github.com/agsys/edge-sync/internal/registry"
	"github.com/agsys/edge-sync/internal/roster"
	"github.com/agsys/edge-sync/internal/storage"
	"github.com/agsys/edge-sync/internal/syncer"
	"github.com/agsys/edge-sync/internal/transport"
	"github.com/agsys/edge-sync/internal/transport/ble"
	"github.com/agsys/edge-sync/internal/transport/lora"
	"github.com/agsys/edge-sync/internal/transport/mqtt"
	"github.com/agsys/edge-sync/internal/transport/serial"
	"github.com/agsys/edge-sync/internal/transport/wifi"
)

// Overrides replaces production collaborators, mostly for tests. Zero
// fields keep the defaults.
type Overrides struct {
	Factories map[transport.Protocol]registry.Factory
	Prober    netmon.Prober
	Backend   syncer.Backend
}

// DefaultFactories builds one adapter factory per protocol. MQTT adapters
// share a broker pool.
func DefaultFactories(log zerolog.Logger) map[transport.Protocol]registry.Factory {
	pool := mqtt.NewPool(nil, log)
	return map[transport.Protocol]registry.Factory{
		transport.ProtocolBLE:    func() transport.Adapter { return ble.New(ble.NewCentral(), log) },
		transport.ProtocolMQTT:   func() transport.Adapter { return mqtt.New(pool, log) },
		transport.ProtocolSerial: func() transport.Adapter { return serial.New(serial.Config{}, log) },
		transport.ProtocolWiFi:   func() transport.Adapter { return wifi.New(nil, log) },
		transport.ProtocolLoRa:   func() transport.Adapter { return lora.New(log) },
	}
}

// Status is a point-in-time view of the daemon
type Status struct {
	State            syncer.State
	Backlog          int
	Commands         map[command.Status]int
	Telemetry        map[storage.SyncStatus]int
	NetworkAvailable bool
	PushConnected    bool
	Connections      map[string]transport.State
	LastReport       *syncer.Report
}

// Engine owns every long-running component
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	db       *storage.DB
	roster   *roster.Roster
	registry *registry.Registry
	queue    *queue.Engine
	syncer   *syncer.Orchestrator
	monitor  *netmon.Monitor
	push     *cloud.Push
	closers  []io.Closer

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New opens storage and builds every component. Nothing runs until Start.
func New(cfg *config.Config, log zerolog.Logger, ov Overrides) (*Engine, error) {
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	devices, err := roster.Load(cfg.Roster.Path)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		log:    log,
		db:     db,
		roster: roster.New(devices),
	}

	factories := ov.Factories
	if factories == nil {
		factories = DefaultFactories(log)
	}
	e.registry = registry.New(factories, log)

	prober := ov.Prober
	if prober == nil {
		if prober, err = e.buildProber(); err != nil {
			db.Close()
			return nil, err
		}
	}
	e.monitor = netmon.New(prober, cfg.Network.Interval, cfg.Network.Timeout, log)

	cloudCfg := cloud.DefaultConfig()
	cloudCfg.BaseURL = cfg.Backend.BaseURL
	cloudCfg.WebSocketURL = cfg.Backend.WebSocketURL
	cloudCfg.ControllerID = cfg.Controller.ID
	cloudCfg.Token = cfg.Backend.Token
	if cfg.Backend.HTTPTimeout > 0 {
		cloudCfg.HTTPTimeout = cfg.Backend.HTTPTimeout
	}
	backend := ov.Backend
	if backend == nil {
		backend = cloud.New(cloudCfg, log)
	}

	e.queue = queue.New(db, queue.Options{RetryDelay: cfg.Sync.RetryDelay}, log)

	e.syncer = syncer.New(syncer.Config{
		Interval:           cfg.Sync.Interval,
		InitialBackoff:     cfg.Sync.InitialBackoff,
		MaxBackoff:         cfg.Sync.MaxBackoff,
		DispatchTimeout:    cfg.Sync.DispatchTimeout,
		CommandBatch:       cfg.Sync.CommandBatch,
		TelemetryBatch:     cfg.Sync.TelemetryBatch,
		Retention:          cfg.Sync.Retention,
		TelemetryRetention: cfg.Sync.TelemetryRetention,
	}, syncer.Deps{
		Queue:   e.queue,
		Devices: e.registry,
		Roster:  e.roster,
		Backend: backend,
		Store:   db,
		Network: e.monitor,
	}, log)
	e.queue.SetEnqueueHook(e.syncer.TriggerIfOnline)

	if cloudCfg.WebSocketURL != "" {
		e.push = cloud.NewPush(cloudCfg, cloud.Handlers{
			OnCommand: func(ctx context.Context, c *command.Command) error {
				_, err := e.Enqueue(ctx, c)
				return err
			},
			OnCancel: e.Cancel,
		}, log)
	}

	return e, nil
}

func (e *Engine) buildProber() (netmon.Prober, error) {
	switch e.cfg.Network.Probe {
	case "grpc":
		p, err := netmon.NewGRPCProber(netmon.GRPCConfig{
			Addr:   e.cfg.Network.GRPCAddr,
			Token:  e.cfg.Backend.Token,
			UseTLS: e.cfg.Network.GRPCTLS,
		})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, p)
		return p, nil
	default:
		url := e.cfg.Network.ProbeURL
		if url == "" {
			url = e.cfg.Backend.BaseURL
		}
		return &netmon.HTTPProber{URL: url}, nil
	}
}

// Start launches the background loops. It returns once they are running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	metrics.Init(e.db, e.log)

	// Nothing is in flight yet, so every sent command was interrupted
	if _, err := e.queue.RecoverStale(ctx, 0); err != nil {
		e.log.Error().Err(err).Msg("recovering interrupted dispatches failed")
	}

	// Subscribe before anything connects so no frame is missed
	frames, _ := e.registry.Inbound(256)
	changes, _ := e.registry.Changes(64)
	netEvents, unsubNet := e.monitor.Subscribe(4)

	e.goRun(func() { e.monitor.Run(ctx) })
	e.goRun(func() { e.syncer.Run(ctx) })
	// Buffered readings are stored even while shutting down
	e.goRun(func() { e.ingestLoop(context.WithoutCancel(ctx), frames) })
	e.goRun(func() { e.connectionLoop(changes) })
	e.goRun(func() {
		defer unsubNet()
		for {
			select {
			case <-ctx.Done():
				return
			case up := <-netEvents:
				metrics.SetNetworkAvailable(up)
			}
		}
	})

	if e.push != nil {
		e.goRun(func() { e.push.Run(ctx) })
	}

	if e.cfg.Roster.Watch {
		e.goRun(func() {
			err := roster.Watch(ctx, e.cfg.Roster.Path, e.log, func(devices []roster.Device) {
				e.roster.Replace(devices)
				if err := e.registry.Reconcile(ctx, devices); err != nil {
					e.log.Warn().Err(err).Msg("roster reconcile incomplete")
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error().Err(err).Str("path", e.cfg.Roster.Path).Msg("roster watch stopped")
			}
		})
	}

	if e.cfg.Metrics.Listen != "" {
		e.serveMetrics(ctx)
	}

	if err := e.registry.Reconcile(ctx, e.roster.List()); err != nil {
		e.log.Warn().Err(err).Msg("initial connect incomplete")
	}

	e.log.Info().
		Int("devices", e.roster.Len()).
		Dur("interval", e.cfg.Sync.Interval).
		Bool("push", e.push != nil).
		Msg("engine started")
	return nil
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// connectionLoop keeps the per-state connection gauge current
func (e *Engine) connectionLoop(changes <-chan registry.StateChange) {
	for ch := range changes {
		e.log.Debug().Str("device_id", ch.DeviceID).Str("state", ch.State.String()).Msg("connection state")
		counts := make(map[string]int)
		for _, s := range e.registry.States() {
			counts[s.String()]++
		}
		metrics.SetConnections(counts)
	}
}

func (e *Engine) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: e.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	e.goRun(func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error().Err(err).Str("listen", srv.Addr).Msg("metrics server failed")
		}
	})
	e.goRun(func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	})
}

// Stop cancels the loops, disconnects every device and closes storage
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	// Shutdown closes the inbound and change streams, which ends the
	// ingest and connection loops.
	e.registry.Shutdown(context.Background(), e.cfg.Shutdown.AdapterTimeout)
	e.wg.Wait()
	e.syncer.Close()

	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	errs = append(errs, e.db.Close())

	e.log.Info().Msg("engine stopped")
	return errors.Join(errs...)
}

// Enqueue adds a command and wakes the orchestrator when online
func (e *Engine) Enqueue(ctx context.Context, c *command.Command) (string, error) {
	if _, ok := e.roster.Lookup(c.DeviceID); !ok {
		e.log.Warn().Str("device_id", c.DeviceID).Msg("command for device not in roster")
	}
	return e.queue.Enqueue(ctx, c)
}

// Cancel cancels a queued command
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.queue.Cancel(ctx, id)
}

// SyncNow runs a full sync pass, joining one already in flight
func (e *Engine) SyncNow(ctx context.Context) (*syncer.Report, error) {
	return e.syncer.FullSync(ctx)
}

// Queue exposes the command queue
func (e *Engine) Queue() *queue.Engine { return e.queue }

// Status aggregates queue, buffer and connection state
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	cmds, err := e.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}
	backlog, err := e.queue.Backlog(ctx)
	if err != nil {
		return nil, err
	}
	tel, err := e.db.CountTelemetryByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count telemetry: %w", err)
	}
	st := &Status{
		State:            e.syncer.State(),
		Backlog:          backlog,
		Commands:         cmds,
		Telemetry:        tel,
		NetworkAvailable: e.monitor.Available(),
		Connections:      e.registry.States(),
		LastReport:       e.syncer.LastReport(),
	}
	if e.push != nil {
		st.PushConnected = e.push.Connected()
	}
	return st, nil
}
