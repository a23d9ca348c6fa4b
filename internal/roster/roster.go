// Package roster holds the set of devices the controller talks to. The
// roster is a YAML document kept separate from the daemon config so it can
// be edited while the daemon runs.
package roster

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/agsys/edge-sync/internal/transport"
)

// Device is one roster entry
type Device struct {
	ID       string             `yaml:"id"`
	Name     string             `yaml:"name,omitempty"`
	Protocol transport.Protocol `yaml:"protocol"`
	// Address is the transport address: BLE MAC, broker URL, serial port
	// path, HTTP base URL or LoRa device UID.
	Address string `yaml:"address"`
	// Token is the device token used in MQTT topics and telemetry uploads
	Token       string            `yaml:"token,omitempty"`
	AutoConnect bool              `yaml:"auto_connect,omitempty"`
	Options     transport.Options `yaml:"options,omitempty"`
	// Configuration is pushed to the backend when it changes
	Configuration map[string]any `yaml:"configuration,omitempty"`
}

// ConnectOptions returns the transport options with the device token
// filled in
func (d Device) ConnectOptions() transport.Options {
	o := d.Options
	o.DeviceToken = d.Token
	return o
}

// TelemetryToken is the token telemetry is filed under. Devices without
// one use their id.
func (d Device) TelemetryToken() string {
	if d.Token != "" {
		return d.Token
	}
	return d.ID
}

type file struct {
	Devices []Device `yaml:"devices"`
}

// Load reads and validates the roster at path
func Load(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	devices, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	return devices, nil
}

// Parse decodes a roster document. Ids must be unique, the protocol known
// and the address present.
func Parse(data []byte) ([]Device, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	seen := make(map[string]bool, len(f.Devices))
	for i := range f.Devices {
		d := &f.Devices[i]
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, fmt.Errorf("device %d: missing id", i)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("device %s: duplicate id", d.ID)
		}
		seen[d.ID] = true

		p, err := transport.ParseProtocol(string(d.Protocol))
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
		d.Protocol = p
		if strings.TrimSpace(d.Address) == "" {
			return nil, fmt.Errorf("device %s: missing address", d.ID)
		}
		if p == transport.ProtocolMQTT && d.Token == "" {
			return nil, fmt.Errorf("device %s: mqtt devices need a token", d.ID)
		}
	}
	return f.Devices, nil
}

// Marshal renders devices as a roster document
func Marshal(devices []Device) ([]byte, error) {
	return yaml.Marshal(file{Devices: devices})
}

// Roster is the current device set. Safe for concurrent use.
type Roster struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// New creates a roster holding devices
func New(devices []Device) *Roster {
	r := &Roster{}
	r.Replace(devices)
	return r
}

// Lookup finds a device by id
func (r *Roster) Lookup(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// List returns all devices ordered by id
func (r *Roster) List() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of devices
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Replace swaps in a new device set
func (r *Roster) Replace(devices []Device) {
	m := make(map[string]Device, len(devices))
	for _, d := range devices {
		m[d.ID] = d
	}
	r.mu.Lock()
	r.devices = m
	r.mu.Unlock()
}
