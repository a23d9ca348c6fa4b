// Package registry owns the device adapters: at most one per device,
// created on demand, with every operation on a device serialized.
package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agsys/edge-sync/internal/observe"
	"github.com/agsys/edge-sync/internal/roster"
	"github.com/agsys/edge-sync/internal/transport"
)

// ErrUnsupported is returned for a device whose protocol has no factory
var ErrUnsupported = errors.New("registry: unsupported protocol")

// ErrClosed is returned after Shutdown
var ErrClosed = errors.New("registry: shut down")

// Factory builds a fresh adapter
type Factory func() transport.Adapter

// Inbound is a frame tagged with the device it came from
type Inbound struct {
	DeviceID string
	Protocol transport.Protocol
	Frame    transport.Frame
}

// StateChange reports one adapter state transition
type StateChange struct {
	DeviceID string
	Protocol transport.Protocol
	State    transport.State
}

type entry struct {
	device  roster.Device
	adapter transport.Adapter
	lock    chan struct{}
	unwatch func()
	// retired is set under lock once the adapter is torn down. The entry
	// leaves the map only after that, so a device never has two adapters.
	retired bool
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) release() { <-e.lock }

// Registry maps device ids to adapters
type Registry struct {
	factories map[transport.Protocol]Factory
	log       zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	inbound *observe.Hub[Inbound]
	changes *observe.Hub[StateChange]
}

// New creates a registry building adapters with factories
func New(factories map[transport.Protocol]Factory, log zerolog.Logger) *Registry {
	return &Registry{
		factories: factories,
		log:       log.With().Str("component", "registry").Logger(),
		entries:   make(map[string]*entry),
		inbound:   observe.NewHub[Inbound](),
		changes:   observe.NewHub[StateChange](),
	}
}

// Inbound subscribes to frames from every device
func (r *Registry) Inbound(buf int) (<-chan Inbound, func()) { return r.inbound.Subscribe(buf) }

// Changes subscribes to adapter state transitions
func (r *Registry) Changes(buf int) (<-chan StateChange, func()) { return r.changes.Subscribe(buf) }

// entryFor returns the device's entry. An entry built from an older roster
// definition comes back as stale for the caller to tear down first.
func (r *Registry) entryFor(dev roster.Device) (e, stale *entry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrClosed
	}
	if cur, ok := r.entries[dev.ID]; ok {
		if sameDefinition(cur.device, dev) {
			return cur, nil, nil
		}
		return nil, cur, nil
	}

	factory, ok := r.factories[dev.Protocol]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupported, dev.Protocol)
	}
	e = &entry{device: dev, adapter: factory(), lock: make(chan struct{}, 1)}
	e.unwatch = r.watch(dev, e.adapter)
	r.entries[dev.ID] = e
	return e, nil, nil
}

// lockEntry returns the device's live entry with its lock held
func (r *Registry) lockEntry(ctx context.Context, dev roster.Device) (*entry, error) {
	for {
		e, stale, err := r.entryFor(dev)
		if err != nil {
			return nil, err
		}
		if stale != nil {
			if err := r.teardown(ctx, stale); err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				r.log.Warn().Err(err).Str("device_id", dev.ID).Msg("disconnect of redefined device failed")
			}
			continue
		}
		if err := e.acquire(ctx); err != nil {
			return nil, err
		}
		if !e.retired {
			return e, nil
		}
		e.release()
	}
}

func sameDefinition(a, b roster.Device) bool {
	return a.Protocol == b.Protocol && a.Address == b.Address && a.Token == b.Token &&
		reflect.DeepEqual(a.Options, b.Options)
}

// watch logs and republishes the adapter's state changes
func (r *Registry) watch(dev roster.Device, a transport.Adapter) func() {
	states, cancel := a.Watch(16)
	log := r.log.With().Str("device_id", dev.ID).Str("protocol", string(dev.Protocol)).Logger()
	go func() {
		for s := range states {
			log.Debug().Str("state", s.String()).Msg("connection state")
			r.changes.Publish(StateChange{DeviceID: dev.ID, Protocol: dev.Protocol, State: s})
		}
	}()
	return cancel
}

// connectLocked brings the adapter up if needed. Caller holds e.lock.
func (r *Registry) connectLocked(ctx context.Context, e *entry) error {
	if e.adapter.State() == transport.StateConnected {
		return nil
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := e.adapter.Connect(ctx, e.device.Address, e.device.ConnectOptions()); err != nil {
		return err
	}
	go r.pump(e.device, e.adapter.Receive())
	return nil
}

// pump forwards one session's frames until the session ends
func (r *Registry) pump(dev roster.Device, frames <-chan transport.Frame) {
	for f := range frames {
		if n := r.inbound.Publish(Inbound{DeviceID: dev.ID, Protocol: dev.Protocol, Frame: f}); n > 0 {
			r.log.Warn().Str("device_id", dev.ID).Int("dropped", n).Msg("inbound consumer lagging")
		}
	}
}

// teardown disconnects and retires e, then drops it from the map. It
// waits for any operation holding the device.
func (r *Registry) teardown(ctx context.Context, e *entry) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	if e.retired {
		return nil
	}
	err := e.adapter.Disconnect(ctx)
	r.retire(e)
	return err
}

func (r *Registry) retire(e *entry) {
	e.retired = true
	e.unwatch()
	r.mu.Lock()
	if r.entries[e.device.ID] == e {
		delete(r.entries, e.device.ID)
	}
	r.mu.Unlock()
}

// Acquire returns the device's adapter, connecting it first if needed
func (r *Registry) Acquire(ctx context.Context, dev roster.Device) (transport.Adapter, error) {
	e, err := r.lockEntry(ctx, dev)
	if err != nil {
		return nil, err
	}
	defer e.release()
	if err := r.connectLocked(ctx, e); err != nil {
		return nil, err
	}
	return e.adapter, nil
}

// WithDevice runs fn with exclusive use of the device's connected
// adapter. When fn reports ErrNotConnected the adapter is reconnected and
// fn runs once more.
func (r *Registry) WithDevice(ctx context.Context, dev roster.Device, fn func(context.Context, transport.Adapter) error) error {
	e, err := r.lockEntry(ctx, dev)
	if err != nil {
		return err
	}
	defer e.release()

	if err := r.connectLocked(ctx, e); err != nil {
		return err
	}
	err = fn(ctx, e.adapter)
	if !errors.Is(err, transport.ErrNotConnected) {
		return err
	}

	r.log.Debug().Str("device_id", dev.ID).Msg("session lost, reconnecting once")
	if e.adapter.State() == transport.StateConnected {
		e.adapter.Disconnect(ctx)
	}
	if err := r.connectLocked(ctx, e); err != nil {
		return err
	}
	return fn(ctx, e.adapter)
}

// Release disconnects the device and forgets its adapter. The adapter
// stays registered until it is down, so a concurrent user waits instead
// of opening a second one.
func (r *Registry) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.teardown(ctx, e)
}

// Reconcile aligns the registry with the roster: adapters of removed or
// redefined devices are released and auto-connect devices are brought
// up. Calling it again with the same devices changes nothing.
func (r *Registry) Reconcile(ctx context.Context, devices []roster.Device) error {
	want := make(map[string]roster.Device, len(devices))
	for _, d := range devices {
		want[d.ID] = d
	}

	r.mu.Lock()
	var gone []string
	for id, e := range r.entries {
		d, ok := want[id]
		if !ok || !sameDefinition(e.device, d) {
			gone = append(gone, id)
		}
	}
	r.mu.Unlock()

	for _, id := range gone {
		if err := r.Release(ctx, id); err != nil {
			r.log.Warn().Err(err).Str("device_id", id).Msg("release failed")
		}
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, d := range devices {
		if !d.AutoConnect {
			continue
		}
		d := d
		g.Go(func() error {
			if _, err := r.Acquire(gctx, d); err != nil {
				r.log.Warn().Err(err).Str("device_id", d.ID).Msg("auto-connect failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", d.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// States snapshots every known adapter's state
func (r *Registry) States() map[string]transport.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]transport.State, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.adapter.State()
	}
	return out
}

// Devices lists the ids with an adapter, sorted
func (r *Registry) Devices() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Shutdown disconnects every adapter concurrently, giving each at most
// timeout, then closes the inbound stream. An adapter still busy after
// that is disconnected anyway, without waiting for its holder.
func (r *Registry) Shutdown(ctx context.Context, timeout time.Duration) {
	r.mu.Lock()
	r.closed = true
	entries := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.mu.Unlock()

	var g errgroup.Group
	for id, e := range entries {
		id, e := id, e
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- r.teardown(dctx, e) }()
			select {
			case err := <-done:
				if err == nil {
					return nil
				}
				if dctx.Err() == nil {
					r.log.Warn().Err(err).Str("device_id", id).Msg("disconnect failed")
					return nil
				}
			case <-dctx.Done():
			}
			r.log.Warn().Str("device_id", id).Dur("timeout", timeout).Msg("disconnect timed out, forcing teardown")
			r.force(id, e, timeout)
			return nil
		})
	}
	g.Wait()

	r.mu.Lock()
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	r.inbound.Close()
	r.changes.Close()
}

// force closes the adapter's handle while another goroutine may still
// hold the device. The holder's I/O fails once the handle is gone.
func (r *Registry) force(id string, e *entry, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.adapter.Disconnect(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			r.log.Warn().Err(err).Str("device_id", id).Msg("forced teardown failed")
		}
	case <-ctx.Done():
		r.log.Error().Str("device_id", id).Msg("forced teardown did not finish, abandoning adapter")
	}
	e.unwatch()
}
