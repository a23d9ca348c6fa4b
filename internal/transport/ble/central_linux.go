//go:build linux

package ble

import (
	"context"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"github.com/agsys/edge-sync/internal/transport"
)

type bluezCentral struct {
	adapter *bluetooth.Adapter
}

// NewCentral returns the system radio (BlueZ over D-Bus)
func NewCentral() Central {
	return &bluezCentral{adapter: bluetooth.DefaultAdapter}
}

func (c *bluezCentral) Enable() error {
	if err := c.adapter.Enable(); err != nil {
		if permissionError(err.Error()) {
			return transport.Wrap(transport.ErrPermissionDenied, "enable bluetooth", err)
		}
		return transport.Wrap(transport.ErrRejected, "enable bluetooth", err)
	}
	return nil
}

func (c *bluezCentral) Scan(ctx context.Context, fn func(ScanResult)) error {
	errc := make(chan error, 1)
	go func() {
		errc <- c.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			fn(ScanResult{Address: r.Address.String(), Name: r.LocalName(), RSSI: r.RSSI})
		})
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		c.adapter.StopScan()
		return <-errc
	}
}

func (c *bluezCentral) Connect(ctx context.Context, address string) (Peripheral, error) {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, transport.Wrap(transport.ErrRejected, "parse address", err)
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	done := make(chan result, 1)
	go func() {
		dev, err := c.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}},
			bluetooth.ConnectionParams{})
		done <- result{dev: dev, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if permissionError(r.err.Error()) {
				return nil, transport.Wrap(transport.ErrPermissionDenied, "connect "+address, r.err)
			}
			return nil, transport.Classify("connect "+address, r.err)
		}
		return &bluezPeripheral{dev: r.dev, path: devicePath(mac)}, nil
	case <-ctx.Done():
		// A late connection is released as soon as it lands
		go func() {
			if r := <-done; r.err == nil {
				r.dev.Disconnect()
			}
		}()
		return nil, transport.Wrap(transport.ErrTimeout, "connect "+address, ctx.Err())
	}
}

// devicePath is the BlueZ object of a peripheral on the default radio
func devicePath(mac bluetooth.MAC) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/hci0/dev_" + strings.ReplaceAll(mac.String(), ":", "_"))
}

type bluezPeripheral struct {
	dev  bluetooth.Device
	path dbus.ObjectPath

	mu      sync.Mutex
	unwatch func()
}

func (p *bluezPeripheral) Discover(ctx context.Context) ([]Characteristic, error) {
	services, err := p.dev.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	var out []Characteristic
	for _, svc := range services {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, err
		}
		for i := range chars {
			out = append(out, &bluezCharacteristic{c: chars[i]})
		}
	}
	return out, nil
}

// OnDisconnect watches the device's Connected property. BlueZ flips it
// when the link drops, whoever dropped it.
func (p *bluezPeripheral) OnDisconnect(fn func()) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return
	}
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(p.path),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		return
	}
	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)
	stop := make(chan struct{})

	var once sync.Once
	p.mu.Lock()
	p.unwatch = func() {
		once.Do(func() {
			conn.RemoveSignal(signals)
			conn.RemoveMatchSignal(match...)
			close(stop)
		})
	}
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case sig := <-signals:
				if sig.Path != p.path || len(sig.Body) < 2 {
					continue
				}
				if iface, _ := sig.Body[0].(string); iface != "org.bluez.Device1" {
					continue
				}
				changes, _ := sig.Body[1].(map[string]dbus.Variant)
				if up, ok := changes["Connected"].Value().(bool); ok && !up {
					go fn()
				}
			}
		}
	}()
}

func (p *bluezPeripheral) Disconnect() error {
	p.mu.Lock()
	unwatch := p.unwatch
	p.unwatch = nil
	p.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	return p.dev.Disconnect()
}

type bluezCharacteristic struct {
	c bluetooth.DeviceCharacteristic
}

func (c *bluezCharacteristic) UUID() string { return c.c.UUID().String() }

func (c *bluezCharacteristic) Write(p []byte) error {
	_, err := c.c.WriteWithoutResponse(p)
	return err
}

func (c *bluezCharacteristic) Subscribe(fn func([]byte)) error {
	return c.c.EnableNotifications(fn)
}
