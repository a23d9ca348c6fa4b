// Package syncer runs the full sync: dispatching queued commands to
// devices, uploading buffered telemetry, pushing device configuration and
// pruning old records.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/agsys/edge-sync/internal/cloud"
	"github.com/agsys/edge-sync/internal/command"
	"github.com/agsys/edge-sync/internal/metrics"
	"github.com/agsys/edge-sync/internal/observe"
	"github.com/agsys/edge-sync/internal/queue"
	"github.com/agsys/edge-sync/internal/roster"
	"github.com/agsys/edge-sync/internal/storage"
	"github.com/agsys/edge-sync/internal/transport"
)

// State is the orchestrator's lifecycle state
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateCompleted
	StateError
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateSyncing:   "syncing",
	StateCompleted: "completed",
	StateError:     "error",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Queue is the part of the command queue the orchestrator drives
type Queue interface {
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
	RequeueEligible(ctx context.Context) (int, error)
	DequeueReady(ctx context.Context, limit int) ([]*command.Command, error)
	MarkSent(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, result string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	MarkFailedPermanently(ctx context.Context, id string, cause error) error
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
	RetentionSweep(ctx context.Context, olderThan time.Duration) (int64, error)
	Backlog(ctx context.Context) (int, error)
}

// Devices runs device I/O with per-device exclusion
type Devices interface {
	WithDevice(ctx context.Context, dev roster.Device, fn func(context.Context, transport.Adapter) error) error
}

// Roster resolves device definitions
type Roster interface {
	Lookup(id string) (roster.Device, bool)
	List() []roster.Device
}

// Backend is the remote service
type Backend interface {
	MirrorCommand(ctx context.Context, c *command.Command) (string, error)
	UpdateCommandStatus(ctx context.Context, remoteID string, status command.Status, result *string) error
	UploadTelemetry(ctx context.Context, deviceToken string, items []cloud.TelemetryItem) error
	PushDeviceConfig(ctx context.Context, id string, configuration map[string]any) (json.RawMessage, error)
}

// Store holds buffered telemetry and configuration sync state
type Store interface {
	PendingTelemetry(ctx context.Context, afterID int64, limit int) ([]*storage.TelemetryRecord, error)
	MarkTelemetry(ctx context.Context, ids []int64, status storage.SyncStatus) error
	DeleteSyncedTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ConfigHash(ctx context.Context, deviceID string) (string, error)
	SaveConfigHash(ctx context.Context, deviceID, hash string, at time.Time) error
}

// Network reports backend reachability
type Network interface {
	Available() bool
	Subscribe(buf int) (<-chan bool, func())
}

// Config tunes the orchestrator
type Config struct {
	Interval           time.Duration
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	DispatchTimeout    time.Duration
	CommandBatch       int
	TelemetryBatch     int
	Retention          time.Duration
	TelemetryRetention time.Duration
	// DeviceParallelism bounds how many devices are served at once
	DeviceParallelism int
}

// DefaultConfig returns the stock settings
func DefaultConfig() Config {
	return Config{
		Interval:           15 * time.Minute,
		InitialBackoff:     30 * time.Second,
		MaxBackoff:         15 * time.Minute,
		DispatchTimeout:    30 * time.Second,
		CommandBatch:       50,
		TelemetryBatch:     100,
		Retention:          queue.DefaultRetention,
		TelemetryRetention: 30 * 24 * time.Hour,
		DeviceParallelism:  16,
	}
}

func (c *Config) fill() {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(def.MaxBackoff, c.InitialBackoff)
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = def.DispatchTimeout
	}
	if c.CommandBatch <= 0 {
		c.CommandBatch = def.CommandBatch
	}
	if c.TelemetryBatch <= 0 {
		c.TelemetryBatch = def.TelemetryBatch
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.TelemetryRetention <= 0 {
		c.TelemetryRetention = def.TelemetryRetention
	}
	if c.DeviceParallelism <= 0 {
		c.DeviceParallelism = def.DeviceParallelism
	}
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Queue      Queue
	Devices    Devices
	Roster     Roster
	Backend    Backend
	Store      Store
	Network    Network
	Dispatcher *Dispatcher
	// Now overrides the clock
	Now func() time.Time
}

// Orchestrator coordinates full sync passes
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	state   *observe.Value[State]
	flight  singleflight.Group
	trigger chan struct{}

	// life bounds every pass; callers of FullSync only bound their wait
	life   context.Context
	halt   context.CancelFunc
	passes sync.WaitGroup

	mu   sync.Mutex
	last *Report
}

// ErrClosed is returned by FullSync after Close
var ErrClosed = errors.New("syncer: closed")

// recordTimeout bounds outcome writes made after the pass was cancelled
const recordTimeout = 5 * time.Second

// New creates an orchestrator
func New(cfg Config, deps Deps, log zerolog.Logger) *Orchestrator {
	cfg.fill()
	if deps.Dispatcher == nil {
		deps.Dispatcher = NewDispatcher()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	life, halt := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		log:     log.With().Str("component", "syncer").Logger(),
		now:     now,
		state:   observe.NewValue(StateIdle),
		trigger: make(chan struct{}, 1),
		life:    life,
		halt:    halt,
	}
}

// State returns the current state without blocking
func (o *Orchestrator) State() State { return o.state.Load() }

// Watch subscribes to state changes
func (o *Orchestrator) Watch(buf int) (<-chan State, func()) { return o.state.Subscribe(buf) }

// LastReport returns the most recent pass report, or nil
func (o *Orchestrator) LastReport() *Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// FullSync runs one pass. A call made while a pass is running waits for
// that pass and shares its result instead of starting another. The pass
// belongs to the orchestrator, not the caller: ctx only limits how long
// this caller waits, and only Close cancels it.
func (o *Orchestrator) FullSync(ctx context.Context) (*Report, error) {
	ch := o.flight.DoChan("full-sync", func() (any, error) {
		o.mu.Lock()
		if o.life.Err() != nil {
			o.mu.Unlock()
			return nil, ErrClosed
		}
		o.passes.Add(1)
		o.mu.Unlock()
		defer o.passes.Done()
		return o.fullSync(o.life)
	})
	select {
	case res := <-ch:
		r, _ := res.Val.(*Report)
		return r, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels any running pass, waits for it and refuses new ones. A
// cancelled pass still records the outcome of the command it was
// delivering.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.halt()
	o.mu.Unlock()
	o.passes.Wait()
}

func (o *Orchestrator) fullSync(ctx context.Context) (*Report, error) {
	o.state.Store(StateSyncing)
	r := &Report{StartedAt: o.now()}
	online := o.online()

	err := o.run(ctx, r, online)
	r.FinishedAt = o.now()
	r.Err = err

	o.mu.Lock()
	o.last = r
	o.mu.Unlock()

	result := r.result()
	metrics.ObserveSyncPass(result, r.FinishedAt.Sub(r.StartedAt))

	ev := o.log.Info()
	if err != nil {
		ev = o.log.Error().Err(err)
		o.state.Store(StateError)
	} else {
		o.state.Store(StateCompleted)
	}
	ev.Str("result", result).
		Int("dispatched", r.Dispatched).
		Int("completed", r.Completed).
		Int("failed", r.Failed).
		Int("telemetry_uploaded", r.TelemetryUploaded).
		Int("telemetry_failed", r.TelemetryFailed).
		Int("configs_pushed", r.ConfigsPushed).
		Bool("online", online).
		Dur("took", r.FinishedAt.Sub(r.StartedAt)).
		Msg("sync pass finished")
	return r, err
}

func (o *Orchestrator) run(ctx context.Context, r *Report, online bool) error {
	if err := o.commandPass(ctx, r, online); err != nil {
		return fmt.Errorf("command pass: %w", err)
	}
	if online {
		if err := o.telemetryPass(ctx, r); err != nil {
			return fmt.Errorf("telemetry pass: %w", err)
		}
		o.configPass(ctx, r)
	} else {
		r.UploadSkipped = true
	}
	if err := o.cleanupPass(ctx, r); err != nil {
		return fmt.Errorf("cleanup pass: %w", err)
	}
	return nil
}

func (o *Orchestrator) online() bool {
	return o.deps.Network == nil || o.deps.Network.Available()
}

// --- command dispatch ---

func (o *Orchestrator) commandPass(ctx context.Context, r *Report, online bool) error {
	recovered, err := o.deps.Queue.RecoverStale(ctx, o.cfg.DispatchTimeout)
	if err != nil {
		return err
	}
	r.Recovered = recovered

	n, err := o.deps.Queue.RequeueEligible(ctx)
	if err != nil {
		return err
	}
	r.Requeued = n

	cmds, err := o.deps.Queue.DequeueReady(ctx, o.cfg.CommandBatch)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return nil
	}

	// ready order is preserved within each device
	var order []string
	byDevice := make(map[string][]*command.Command)
	for _, c := range cmds {
		if _, ok := byDevice[c.DeviceID]; !ok {
			order = append(order, c.DeviceID)
		}
		byDevice[c.DeviceID] = append(byDevice[c.DeviceID], c)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.DeviceParallelism)
	for _, id := range order {
		id := id
		g.Go(func() error {
			for _, c := range byDevice[id] {
				if gctx.Err() != nil {
					return nil
				}
				out := o.dispatch(gctx, c, online)
				mu.Lock()
				r.record(out)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return ctx.Err()
}

type outcome struct {
	skipped   bool
	completed bool
	mirrorErr bool
}

// dispatch delivers one command and records the outcome. Device and
// backend failures end up in the command, never in the returned value.
func (o *Orchestrator) dispatch(ctx context.Context, c *command.Command, online bool) outcome {
	log := o.log.With().Str("command_id", c.ID).Str("device_id", c.DeviceID).Logger()

	if err := o.deps.Queue.MarkSent(ctx, c.ID); err != nil {
		// cancelled or claimed since the dequeue
		log.Debug().Err(err).Msg("command skipped")
		metrics.IncCommandResult(c.Kind, metrics.OutcomeSkipped)
		return outcome{skipped: true}
	}

	result, sendErr := o.deliver(ctx, c)
	if sendErr != nil {
		log.Warn().Err(sendErr).Msg("dispatch failed")
	}

	out := outcome{completed: sendErr == nil}
	if online {
		out.mirrorErr = !o.mirror(ctx, c, result, sendErr, log)
	}

	// The command is sent; its outcome is written even when the pass is
	// being cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	var markErr error
	switch {
	case sendErr == nil:
		markErr = o.deps.Queue.MarkCompleted(rctx, c.ID, result)
		metrics.IncCommandResult(c.Kind, metrics.OutcomeCompleted)
	case permanent(sendErr):
		markErr = o.deps.Queue.MarkFailedPermanently(rctx, c.ID, sendErr)
		metrics.IncCommandResult(c.Kind, metrics.OutcomePermanent)
	default:
		markErr = o.deps.Queue.MarkFailed(rctx, c.ID, sendErr)
		metrics.IncCommandResult(c.Kind, metrics.OutcomeFailed)
	}
	if markErr != nil {
		log.Error().Err(markErr).Msg("recording outcome failed")
		out.completed = false
	}
	return out
}

func (o *Orchestrator) deliver(ctx context.Context, c *command.Command) (string, error) {
	dev, ok := o.deps.Roster.Lookup(c.DeviceID)
	if !ok {
		return "", transport.Errorf(transport.ErrNotConnected, "device %s not in roster", c.DeviceID)
	}
	del, err := o.deps.Dispatcher.Build(c, dev, o.now())
	if err != nil {
		return "", err
	}

	dctx, cancel := context.WithTimeout(ctx, o.cfg.DispatchTimeout)
	defer cancel()

	var result string
	err = o.deps.Devices.WithDevice(dctx, dev, func(ctx context.Context, a transport.Adapter) error {
		var err error
		result, err = Deliver(ctx, a, del)
		return err
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = transport.Wrap(transport.ErrTimeout, "dispatch", err)
	}
	return result, err
}

func permanent(err error) bool {
	return errors.Is(err, transport.ErrPermissionDenied) || errors.Is(err, ErrMalformed)
}

// mirror reports the outcome to the backend. It reports whether the
// backend took it.
func (o *Orchestrator) mirror(ctx context.Context, c *command.Command, result string, sendErr error, log zerolog.Logger) bool {
	remoteID, err := o.deps.Backend.MirrorCommand(ctx, c)
	if err == nil {
		status, res := command.StatusCompleted, command.StringPtr(result)
		if sendErr != nil {
			status, res = command.StatusFailed, command.StringPtr(sendErr.Error())
		}
		err = o.deps.Backend.UpdateCommandStatus(ctx, remoteID, status, res)
	}
	if err != nil {
		log.Warn().Err(err).Msg("mirroring to backend failed")
		metrics.IncMirror(metrics.ResultError)
		return false
	}
	metrics.IncMirror(metrics.ResultSuccess)
	return true
}

// --- telemetry upload ---

func (o *Orchestrator) telemetryPass(ctx context.Context, r *Report) error {
	var cursor int64
	for {
		recs, err := o.deps.Store.PendingTelemetry(ctx, cursor, o.cfg.TelemetryBatch)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		cursor = recs[len(recs)-1].ID
		r.TelemetryBatches++

		status := storage.SyncSynced
		uploadErr := o.uploadBatch(ctx, recs)
		if uploadErr != nil {
			status = storage.SyncFailed
			o.log.Warn().Err(uploadErr).Int("records", len(recs)).Msg("telemetry batch failed")
		}

		ids := make([]int64, len(recs))
		for i, rec := range recs {
			ids[i] = rec.ID
		}
		if err := o.deps.Store.MarkTelemetry(ctx, ids, status); err != nil {
			return err
		}

		if uploadErr != nil {
			r.TelemetryFailed += len(recs)
			metrics.ObserveTelemetryBatch(metrics.ResultError, len(recs))
			if errors.Is(uploadErr, cloud.ErrBackendUnavailable) {
				return nil
			}
			continue
		}
		r.TelemetryUploaded += len(recs)
		metrics.ObserveTelemetryBatch(metrics.ResultSuccess, len(recs))

		if len(recs) < o.cfg.TelemetryBatch {
			return nil
		}
	}
}

// uploadBatch sends one request per device token in the batch. The batch
// fails as a whole if any request does.
func (o *Orchestrator) uploadBatch(ctx context.Context, recs []*storage.TelemetryRecord) error {
	var tokens []string
	byToken := make(map[string][]cloud.TelemetryItem)
	for _, rec := range recs {
		if _, ok := byToken[rec.DeviceToken]; !ok {
			tokens = append(tokens, rec.DeviceToken)
		}
		byToken[rec.DeviceToken] = append(byToken[rec.DeviceToken], cloud.TelemetryItem{
			SensorType: rec.SensorType,
			Value:      rec.Value,
			Unit:       rec.Unit,
			Timestamp:  rec.Timestamp.UnixMilli(),
		})
	}
	for _, tok := range tokens {
		if err := o.deps.Backend.UploadTelemetry(ctx, tok, byToken[tok]); err != nil {
			return err
		}
	}
	return nil
}

// --- configuration ---

func (o *Orchestrator) configPass(ctx context.Context, r *Report) {
	for _, dev := range o.deps.Roster.List() {
		if len(dev.Configuration) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		log := o.log.With().Str("device_id", dev.ID).Logger()

		hash, err := ConfigHash(dev.Configuration)
		if err != nil {
			log.Warn().Err(err).Msg("configuration not encodable")
			r.ConfigFailures++
			continue
		}
		prev, err := o.deps.Store.ConfigHash(ctx, dev.ID)
		if err != nil {
			log.Warn().Err(err).Msg("reading configuration state failed")
			r.ConfigFailures++
			continue
		}
		if prev == hash {
			continue
		}
		if _, err := o.deps.Backend.PushDeviceConfig(ctx, dev.ID, dev.Configuration); err != nil {
			log.Warn().Err(err).Msg("configuration push failed")
			r.ConfigFailures++
			continue
		}
		if err := o.deps.Store.SaveConfigHash(ctx, dev.ID, hash, o.now()); err != nil {
			log.Warn().Err(err).Msg("saving configuration state failed")
			r.ConfigFailures++
			continue
		}
		r.ConfigsPushed++
	}
}

// ConfigHash fingerprints a configuration. encoding/json sorts map keys,
// so equal maps hash equally.
func ConfigHash(cfg map[string]any) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// --- cleanup ---

func (o *Orchestrator) cleanupPass(ctx context.Context, r *Report) error {
	now := o.now()
	n, err := o.deps.Queue.SweepExpired(ctx, now)
	if err != nil {
		return err
	}
	r.Expired = n

	if n, err = o.deps.Queue.RetentionSweep(ctx, o.cfg.Retention); err != nil {
		return err
	}
	r.Purged = n

	if n, err = o.deps.Store.DeleteSyncedTelemetryBefore(ctx, now.Add(-o.cfg.TelemetryRetention)); err != nil {
		return err
	}
	r.TelemetryPurged = n
	return nil
}
