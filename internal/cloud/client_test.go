package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/edge-sync/internal/command"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func backend(t *testing.T, status int, answer string) (*httptest.Server, chan recorded) {
	t.Helper()
	calls := make(chan recorded, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		json.Unmarshal(data, &body)
		calls <- recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body}
		w.WriteHeader(status)
		io.WriteString(w, answer)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func newTestClient(url string) *Client {
	return New(Config{BaseURL: url + "/api/v1", Token: "tok", ControllerID: "ctl-1"}, zerolog.Nop())
}

func TestMirrorCommand(t *testing.T) {
	srv, calls := backend(t, http.StatusOK, `{"success":true,"commandId":"remote-9"}`)
	c := newTestClient(srv.URL)

	cmd := &command.Command{
		ID:         "c1",
		DeviceID:   "dev-1",
		Kind:       command.KindDeviceControl,
		Parameters: command.NewParams().Set("command", command.String("open")).Set("zone", command.Number(2)),
	}
	id, err := c.MirrorCommand(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, "remote-9", id)

	got := <-calls
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/v1/commands", got.path)
	assert.Equal(t, "Bearer tok", got.auth)
	assert.Equal(t, "dev-1", got.body["deviceId"])
	assert.Equal(t, "open", got.body["command"])
	assert.Equal(t, map[string]any{"command": "open", "zone": 2.0}, got.body["parameters"])
}

func TestMirrorCommandEmptyParameters(t *testing.T) {
	srv, calls := backend(t, http.StatusOK, `{"success":true,"commandId":"r"}`)
	c := newTestClient(srv.URL)

	_, err := c.MirrorCommand(context.Background(), &command.Command{ID: "c", DeviceID: "d", Kind: "reboot"})
	require.NoError(t, err)

	got := <-calls
	assert.Equal(t, "reboot", got.body["command"])
	assert.Equal(t, map[string]any{}, got.body["parameters"])
}

func TestMirrorCommandNotAccepted(t *testing.T) {
	srv, _ := backend(t, http.StatusOK, `{"success":false,"message":"unknown device"}`)
	c := newTestClient(srv.URL)

	_, err := c.MirrorCommand(context.Background(), &command.Command{ID: "c", DeviceID: "d", Kind: "k"})
	assert.ErrorIs(t, err, ErrNotAccepted)
}

func TestUpdateCommandStatus(t *testing.T) {
	srv, calls := backend(t, http.StatusOK, `{}`)
	c := newTestClient(srv.URL)

	require.NoError(t, c.UpdateCommandStatus(context.Background(), "remote-9", command.StatusCompleted, command.StringPtr("ok")))
	got := <-calls
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/api/v1/commands", got.path)
	assert.Equal(t, "remote-9", got.body["commandId"])
	assert.Equal(t, "completed", got.body["status"])
	assert.Equal(t, "ok", got.body["result"])
}

func TestUploadTelemetry(t *testing.T) {
	srv, calls := backend(t, http.StatusOK, `{"success":true,"message":"stored 2"}`)
	c := newTestClient(srv.URL)

	err := c.UploadTelemetry(context.Background(), "token-a", []TelemetryItem{
		{SensorType: "soil_moisture_1", Value: 41, Unit: "%", Timestamp: 1700000000000},
		{SensorType: "battery", Value: 3300, Timestamp: 1700000000001},
	})
	require.NoError(t, err)

	got := <-calls
	assert.Equal(t, "/api/v1/telemetry/batch", got.path)
	assert.Equal(t, "token-a", got.body["deviceToken"])
	items := got.body["telemetryData"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "soil_moisture_1", first["sensorType"])
	assert.Equal(t, "%", first["unit"])
	assert.Equal(t, 1700000000000.0, first["timestamp"])
	_, hasUnit := items[1].(map[string]any)["unit"]
	assert.False(t, hasUnit)
}

func TestPushDeviceConfig(t *testing.T) {
	srv, calls := backend(t, http.StatusOK, `{"id":"dev-1","configuration":{"interval":60}}`)
	c := newTestClient(srv.URL)

	out, err := c.PushDeviceConfig(context.Background(), "dev-1", map[string]any{"interval": 60})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"dev-1","configuration":{"interval":60}}`, string(out))

	got := <-calls
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/api/v1/devices", got.path)
}

func TestErrorClassification(t *testing.T) {
	srv, _ := backend(t, http.StatusServiceUnavailable, `busy`)
	c := newTestClient(srv.URL)
	err := c.UpdateCommandStatus(context.Background(), "r", command.StatusFailed, nil)
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	srv, _ = backend(t, http.StatusUnauthorized, `bad token`)
	c = newTestClient(srv.URL)
	err = c.UpdateCommandStatus(context.Background(), "r", command.StatusFailed, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "bad token", apiErr.Body)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)

	srv.Close()
	err = c.UpdateCommandStatus(context.Background(), "r", command.StatusFailed, nil)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
