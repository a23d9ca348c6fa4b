// Package ble implements the Bluetooth Low Energy device adapter. A
// connection is usable only after GATT discovery has finished.
package ble

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agsys/edge-sync/internal/transport"
)

const (
	DefaultScanTimeout    = 30 * time.Second
	defaultConnectTimeout = 15 * time.Second
)

// errLinkLost is the cause recorded when the radio reports the link down
var errLinkLost = errors.New("peripheral disconnected")

// Adapter is one device's BLE connection
type Adapter struct {
	central Central
	log     zerolog.Logger

	m     *transport.Machine
	inbox transport.Inbox

	mu        sync.Mutex
	periph    Peripheral
	chars     map[string]Characteristic
	writeChar string
}

// New creates a BLE adapter on central
func New(central Central, log zerolog.Logger) *Adapter {
	if central == nil {
		central = NewCentral()
	}
	return &Adapter{
		central: central,
		log:     log.With().Str("protocol", "ble").Logger(),
		m:       transport.NewMachine(),
	}
}

func (a *Adapter) Protocol() transport.Protocol { return transport.ProtocolBLE }

func (a *Adapter) State() transport.State { return a.m.State() }

func (a *Adapter) Watch(buf int) (<-chan transport.State, func()) { return a.m.Watch(buf) }

func (a *Adapter) Receive() <-chan transport.Frame { return a.inbox.Receive() }

// Scan listens for advertisements and stops by itself after timeout
// (DefaultScanTimeout when zero). Results are unique by address.
func Scan(ctx context.Context, central Central, timeout time.Duration) ([]ScanResult, error) {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	if err := central.Enable(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		out  []ScanResult
	)
	err := central.Scan(ctx, func(r ScanResult) {
		mu.Lock()
		defer mu.Unlock()
		if i, ok := seen[r.Address]; ok {
			out[i] = r
			return
		}
		seen[r.Address] = len(out)
		out = append(out, r)
	})
	if err != nil {
		return nil, transport.Classify("scan", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return out, nil
}

// Connect links to the peripheral at address (a MAC), discovers its
// characteristics and enables notifications on opts.Notify.
func (a *Adapter) Connect(ctx context.Context, address string, opts transport.Options) error {
	if err := a.m.Begin(); err != nil {
		return err
	}
	if err := a.central.Enable(); err != nil {
		a.m.Fail()
		return err
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	periph, err := a.central.Connect(ctx, address)
	if err != nil {
		a.m.Fail()
		return transport.Classify("connect "+address, err)
	}

	if err := a.m.To(transport.StateNegotiating); err != nil {
		periph.Disconnect()
		return err
	}
	discovered, err := periph.Discover(ctx)
	if err != nil {
		periph.Disconnect()
		a.m.Fail()
		return transport.Wrap(transport.ErrRejected, "service discovery on "+address, err)
	}

	chars := make(map[string]Characteristic, len(discovered))
	for _, c := range discovered {
		chars[normalizeUUID(c.UUID())] = c
	}

	a.inbox.Open()
	for _, u := range opts.Notify {
		c, ok := chars[normalizeUUID(u)]
		if !ok {
			a.abort(periph)
			return transport.Errorf(transport.ErrRejected, "notify characteristic not found: %s", u)
		}
		source := c.UUID()
		if err := c.Subscribe(func(b []byte) { a.inbox.Publish(source, b) }); err != nil {
			a.abort(periph)
			return transport.Wrap(transport.ErrRejected, "enable notifications on "+u, err)
		}
	}

	a.mu.Lock()
	a.periph = periph
	a.chars = chars
	a.writeChar = normalizeUUID(opts.WriteCharacteristic)
	a.mu.Unlock()

	if err := a.m.To(transport.StateConnected); err != nil {
		return err
	}
	periph.OnDisconnect(func() { a.drop(periph, errLinkLost) })
	a.log.Debug().Str("address", address).Int("characteristics", len(chars)).Msg("connected")
	return nil
}

func (a *Adapter) abort(p Peripheral) {
	p.Disconnect()
	a.inbox.Close()
	a.m.Fail()
}

// Send writes payload to route.Characteristic, or to the default write
// characteristic from the connect options.
func (a *Adapter) Send(ctx context.Context, payload []byte, route transport.Route) error {
	if !a.m.Ready() {
		return transport.Errorf(transport.ErrNotConnected, "ble %s", a.m.State())
	}
	if err := ctx.Err(); err != nil {
		return transport.Classify("write", err)
	}

	uuid := normalizeUUID(route.Characteristic)
	a.mu.Lock()
	if uuid == "" {
		uuid = a.writeChar
	}
	c, ok := a.chars[uuid]
	p := a.periph
	a.mu.Unlock()

	if uuid == "" {
		return transport.Errorf(transport.ErrRejected, "no characteristic to write")
	}
	if !ok {
		return transport.Errorf(transport.ErrRejected, "characteristic not found: %s", uuid)
	}
	if err := c.Write(payload); err != nil {
		if linkLost(err) {
			a.drop(p, err)
			return transport.Wrap(transport.ErrNotConnected, "write "+uuid, err)
		}
		return transport.Classify("write "+uuid, err)
	}
	return nil
}

// drop ends the session on p after its link went away. The next connect
// starts a fresh one.
func (a *Adapter) drop(p Peripheral, cause error) {
	a.mu.Lock()
	if p == nil || a.periph != p {
		a.mu.Unlock()
		return
	}
	a.periph, a.chars = nil, nil
	a.mu.Unlock()

	a.log.Warn().Err(cause).Msg("link lost")
	p.Disconnect()
	a.inbox.Close()
	a.m.Fail()
}

// Disconnect releases the peripheral
func (a *Adapter) Disconnect(ctx context.Context) error {
	if !a.m.Teardown() {
		return nil
	}
	a.mu.Lock()
	p := a.periph
	a.periph, a.chars = nil, nil
	a.mu.Unlock()

	var err error
	if p != nil {
		err = p.Disconnect()
	}
	a.inbox.Close()
	a.m.Finish()
	return err
}
