package roster

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/edge-sync/internal/transport"
)

const sample = `
devices:
  - id: valve-1
    protocol: mqtt
    address: tcp://broker.local:1883
    token: tok-valve-1
    auto_connect: true
    options:
      keep_alive: 30s
      qos: 1
    configuration:
      zone: north
      flow_limit: 12.5
  - id: probe-7
    protocol: BLE
    address: "AA:BB:CC:DD:EE:FF"
    options:
      write_characteristic: 6e400002-b5a3-f393-e0a9-e50e24dcca9e
      notify: [6e400003-b5a3-f393-e0a9-e50e24dcca9e]
  - id: meter-2
    protocol: usb-serial
    address: /dev/ttyUSB0
`

func TestParse(t *testing.T) {
	devices, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, devices, 3)

	v := devices[0]
	assert.Equal(t, transport.ProtocolMQTT, v.Protocol)
	assert.True(t, v.AutoConnect)
	assert.Equal(t, 30*time.Second, v.Options.KeepAlive)
	assert.EqualValues(t, 1, v.Options.QoS)
	assert.Equal(t, "north", v.Configuration["zone"])
	assert.Equal(t, "tok-valve-1", v.ConnectOptions().DeviceToken)
	assert.Equal(t, "tok-valve-1", v.TelemetryToken())

	assert.Equal(t, transport.ProtocolBLE, devices[1].Protocol)
	assert.Equal(t, []string{"6e400003-b5a3-f393-e0a9-e50e24dcca9e"}, devices[1].Options.Notify)
	assert.Equal(t, transport.ProtocolSerial, devices[2].Protocol)
	assert.Equal(t, "meter-2", devices[2].TelemetryToken())
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"missing id":       "devices:\n  - protocol: ble\n    address: x\n",
		"duplicate id":     "devices:\n  - {id: a, protocol: ble, address: x}\n  - {id: a, protocol: ble, address: y}\n",
		"unknown protocol": "devices:\n  - {id: a, protocol: zigbee, address: x}\n",
		"missing address":  "devices:\n  - {id: a, protocol: wifi}\n",
		"mqtt no token":    "devices:\n  - {id: a, protocol: mqtt, address: tcp://b:1883}\n",
		"not yaml":         "devices: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	devices, err := Parse([]byte(sample))
	require.NoError(t, err)
	data, err := Marshal(devices)
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, devices, again)
}

func TestRosterHolder(t *testing.T) {
	r := New([]Device{{ID: "b"}, {ID: "a"}})
	assert.Equal(t, 2, r.Len())
	list := r.List()
	assert.Equal(t, "a", list[0].ID)

	_, ok := r.Lookup("a")
	assert.True(t, ok)

	r.Replace([]Device{{ID: "c"}})
	_, ok = r.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan []Device, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zerolog.Nop(), func(d []Device) { changes <- d })
	}()

	// Give the watcher a moment to register before writing
	time.Sleep(100 * time.Millisecond)

	// An invalid document is skipped
	require.NoError(t, os.WriteFile(path, []byte("devices: ["), 0o644))
	time.Sleep(2 * settle)
	require.NoError(t, os.WriteFile(path, []byte("devices:\n  - {id: only, protocol: wifi, address: http://10.0.0.9}\n"), 0o644))

	select {
	case d := <-changes:
		require.Len(t, d, 1)
		assert.Equal(t, "only", d[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("roster not reloaded")
	}

	cancel()
	assert.NoError(t, <-done)
}
