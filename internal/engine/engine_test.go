package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/edge-sync/internal/cloud"
	"github.com/agsys/edge-sync/internal/command"
	"github.com/agsys/edge-sync/internal/config"
	"github.com/agsys/edge-sync/internal/registry"
	"github.com/agsys/edge-sync/internal/storage"
	"github.com/agsys/edge-sync/internal/syncer"
	"github.com/agsys/edge-sync/internal/transport"
	"github.com/agsys/edge-sync/internal/transport/mqtt"
)

const testRoster = `
devices:
  - id: pump-1
    protocol: wifi
    address: http://pump-1.local
    token: tok-pump
    auto_connect: true
  - id: meter-1
    protocol: mqtt
    address: tcp://broker.local:1883
    token: tok-meter
  - id: probe-1
    protocol: lora
    address: "0102030405060708"
`

// fakeDevice is a WiFi adapter that answers every send with a reading
type fakeDevice struct {
	m     *transport.Machine
	inbox transport.Inbox

	mu   sync.Mutex
	sent [][]byte
}

func (d *fakeDevice) Protocol() transport.Protocol { return transport.ProtocolWiFi }

func (d *fakeDevice) Connect(context.Context, string, transport.Options) error {
	if err := d.m.Begin(); err != nil {
		return err
	}
	d.inbox.Open()
	return d.m.To(transport.StateConnected)
}

func (d *fakeDevice) Disconnect(context.Context) error {
	if d.m.Teardown() {
		d.inbox.Close()
		d.m.Finish()
	}
	return nil
}

func (d *fakeDevice) Send(_ context.Context, payload []byte, _ transport.Route) error {
	d.mu.Lock()
	d.sent = append(d.sent, payload)
	d.mu.Unlock()
	d.inbox.Publish("/telemetry", []byte(`{"sensorType":"pressure","value":2.5,"unit":"bar"}`))
	return nil
}

func (d *fakeDevice) Receive() <-chan transport.Frame { return d.inbox.Receive() }

func (d *fakeDevice) State() transport.State { return d.m.State() }

func (d *fakeDevice) Watch(buf int) (<-chan transport.State, func()) { return d.m.Watch(buf) }

func (d *fakeDevice) sends() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

type upProber struct{}

func (upProber) Probe(context.Context) error { return nil }

type recordingBackend struct {
	mu       sync.Mutex
	statuses []command.Status
	uploads  map[string][]cloud.TelemetryItem
}

func (b *recordingBackend) MirrorCommand(_ context.Context, c *command.Command) (string, error) {
	return "remote-" + c.ID, nil
}

func (b *recordingBackend) UpdateCommandStatus(_ context.Context, _ string, s command.Status, _ *string) error {
	b.mu.Lock()
	b.statuses = append(b.statuses, s)
	b.mu.Unlock()
	return nil
}

func (b *recordingBackend) UploadTelemetry(_ context.Context, token string, items []cloud.TelemetryItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uploads == nil {
		b.uploads = map[string][]cloud.TelemetryItem{}
	}
	b.uploads[token] = append(b.uploads[token], items...)
	return nil
}

func (b *recordingBackend) PushDeviceConfig(context.Context, string, map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (b *recordingBackend) uploaded(token string) []cloud.TelemetryItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]cloud.TelemetryItem(nil), b.uploads[token]...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	rosterPath := filepath.Join(dir, "devices.yaml")
	require.NoError(t, os.WriteFile(rosterPath, []byte(testRoster), 0o600))

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Backend.BaseURL = "http://backend.invalid/api/v1"
	cfg.Database.Path = filepath.Join(dir, "sync.db")
	cfg.Roster.Path = rosterPath
	cfg.Roster.Watch = false
	cfg.Shutdown.AdapterTimeout = time.Second
	return cfg
}

func newTestEngine(t *testing.T, dev *fakeDevice, backend syncer.Backend) *Engine {
	t.Helper()
	e, err := New(testConfig(t), zerolog.Nop(), Overrides{
		Factories: map[transport.Protocol]registry.Factory{
			transport.ProtocolWiFi: func() transport.Adapter { return dev },
		},
		Prober:  upProber{},
		Backend: backend,
	})
	require.NoError(t, err)
	return e
}

func pendingTelemetry(t *testing.T, e *Engine) []*storage.TelemetryRecord {
	t.Helper()
	recs, err := e.db.PendingTelemetry(context.Background(), 0, 100)
	require.NoError(t, err)
	return recs
}

func TestIngestMQTTTelemetry(t *testing.T) {
	e := newTestEngine(t, &fakeDevice{m: transport.NewMachine()}, &recordingBackend{})
	t.Cleanup(func() { e.Stop() })
	ctx := context.Background()

	n, err := e.ingest(ctx, registry.Inbound{
		DeviceID: "meter-1",
		Protocol: transport.ProtocolMQTT,
		Frame: transport.Frame{
			Source:  mqtt.TelemetryTopic("tok-meter", "flow"),
			Payload: []byte(`{"value":12.5,"unit":"L/min","timestamp":1700000000000}`),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs := pendingTelemetry(t, e)
	require.Len(t, recs, 1)
	assert.Equal(t, "tok-meter", recs[0].DeviceToken)
	assert.Equal(t, "flow", recs[0].SensorType)
	assert.Equal(t, 12.5, recs[0].Value)
	assert.Equal(t, "L/min", recs[0].Unit)
	assert.Equal(t, int64(1700000000000), recs[0].Timestamp.UnixMilli())
}

func TestIngestMQTTStatus(t *testing.T) {
	e := newTestEngine(t, &fakeDevice{m: transport.NewMachine()}, &recordingBackend{})
	t.Cleanup(func() { e.Stop() })
	ctx := context.Background()

	_, err := e.ingest(ctx, registry.Inbound{
		DeviceID: "meter-1",
		Protocol: transport.ProtocolMQTT,
		Frame:    transport.Frame{Source: mqtt.StatusTopic("tok-meter"), Payload: []byte(`{"status":"ok","online":true}`)},
	})
	assert.ErrorIs(t, err, errNotTelemetry)

	n, err := e.ingest(ctx, registry.Inbound{
		DeviceID: "meter-1",
		Protocol: transport.ProtocolMQTT,
		Frame:    transport.Frame{Source: mqtt.StatusTopic("tok-meter"), Payload: []byte(`{"status":"ok","online":true,"battery":81}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	recs := pendingTelemetry(t, e)
	require.Len(t, recs, 1)
	assert.Equal(t, "battery", recs[0].SensorType)
	assert.Equal(t, 81.0, recs[0].Value)
}

func TestIngestLoRaSensorData(t *testing.T) {
	e := newTestEngine(t, &fakeDevice{m: transport.NewMachine()}, &recordingBackend{})
	t.Cleanup(func() { e.Stop() })

	payload := make([]byte, 8)
	payload[0] = 2                                   // probe
	binary.LittleEndian.PutUint16(payload[1:3], 512) // raw
	payload[3] = 37                                  // percent
	binary.LittleEndian.PutUint16(payload[4:6], 215) // 21.5 C
	binary.LittleEndian.PutUint16(payload[6:8], 3300)

	n, err := e.ingest(context.Background(), registry.Inbound{
		DeviceID: "probe-1",
		Protocol: transport.ProtocolLoRa,
		Frame:    transport.Frame{Source: "sensor-data", Payload: payload},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got := map[string]float64{}
	for _, r := range pendingTelemetry(t, e) {
		got[r.SensorType] = r.Value
		assert.Equal(t, "probe-1", r.DeviceToken)
	}
	assert.Equal(t, map[string]float64{
		"soil_moisture_2":    37,
		"soil_temperature_2": 21.5,
		"battery":            3300,
	}, got)

	_, err = e.ingest(context.Background(), registry.Inbound{
		DeviceID: "probe-1",
		Protocol: transport.ProtocolLoRa,
		Frame:    transport.Frame{Source: "heartbeat", Payload: []byte{1}},
	})
	assert.ErrorIs(t, err, errNotTelemetry)
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
	}{
		{"single", `{"sensorType":"temp","value":20}`, 1},
		{"array", `[{"sensorType":"a","value":1},{"sensorType":"b","value":0}]`, 2},
		{"readings", `{"readings":[{"sensorType":"a","value":1},{"sensorType":"b","value":2}]}`, 2},
		{"missing value dropped", `[{"sensorType":"a"},{"sensorType":"b","value":2}]`, 1},
		{"ack", `{"ok":true}`, 0},
		{"at response", "OK\r\n", 0},
		{"empty", "  ", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := decodeJSON([]byte(tt.payload))
			if tt.want == 0 {
				assert.ErrorIs(t, err, errNotTelemetry)
				return
			}
			require.NoError(t, err)
			assert.Len(t, rs, tt.want)
		})
	}
}

func TestEngineEndToEnd(t *testing.T) {
	dev := &fakeDevice{m: transport.NewMachine()}
	backend := &recordingBackend{}
	e := newTestEngine(t, dev, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	assert.Error(t, e.Start(ctx), "second start")

	// auto_connect brings the pump up on start
	assert.Equal(t, transport.StateConnected, dev.State())
	require.Eventually(t, e.monitor.Available, 5*time.Second, 10*time.Millisecond)

	id, err := e.Enqueue(ctx, &command.Command{
		DeviceID:   "pump-1",
		Kind:       command.KindDeviceControl,
		Parameters: command.NewParams().Set("command", command.String("start")),
		Priority:   5,
		MaxRetries: 3,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, err := e.Queue().Get(ctx, id)
		return err == nil && c.Status == command.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	require.NotEmpty(t, dev.sends())
	var env map[string]any
	require.NoError(t, json.Unmarshal(dev.sends()[0], &env))
	assert.Equal(t, "start", env["command"])
	assert.Equal(t, id, env["commandId"])

	// The device answered with a reading. It may already have gone out
	// with the triggered pass; the next pass uploads it otherwise.
	require.Eventually(t, func() bool {
		counts, err := e.db.CountTelemetryByStatus(ctx)
		return err == nil && counts[storage.SyncPending]+counts[storage.SyncSynced] == 1
	}, 5*time.Second, 20*time.Millisecond)

	report, err := e.SyncNow(ctx)
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	items := backend.uploaded("tok-pump")
	require.Len(t, items, 1)
	assert.Equal(t, "pressure", items[0].SensorType)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.NetworkAvailable)
	assert.False(t, st.PushConnected)
	assert.Equal(t, 1, st.Commands[command.StatusCompleted])
	assert.Equal(t, 0, st.Backlog)
	assert.Equal(t, 1, st.Telemetry[storage.SyncSynced])
	assert.Equal(t, transport.StateConnected, st.Connections["pump-1"])

	require.NoError(t, e.Stop())
	assert.Equal(t, transport.StateDisconnected, dev.State())
}

func TestStartRecoversInterruptedDispatch(t *testing.T) {
	dev := &fakeDevice{m: transport.NewMachine()}
	e := newTestEngine(t, dev, &recordingBackend{})
	ctx := context.Background()

	// Left behind by a process that stopped mid-dispatch
	id, err := e.Queue().Enqueue(ctx, &command.Command{
		DeviceID:   "pump-1",
		Kind:       command.KindDeviceControl,
		Parameters: command.NewParams().Set("command", command.String("stop")),
		MaxRetries: 3,
	})
	require.NoError(t, err)
	require.NoError(t, e.Queue().MarkSent(ctx, id))

	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { e.Stop() })

	_, err = e.SyncNow(ctx)
	require.NoError(t, err)
	c, err := e.Queue().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, command.StatusCompleted, c.Status)
	assert.Equal(t, 1, c.RetryCount)
	assert.NotEmpty(t, dev.sends())
}
