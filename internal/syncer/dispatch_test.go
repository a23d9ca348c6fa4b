package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/edge-sync/internal/command"
	"github.com/agsys/edge-sync/internal/roster"
	"github.com/agsys/edge-sync/internal/transport"
	"github.com/agsys/edge-sync/internal/transport/lora"
)

var dispatchNow = time.Date(2026, 5, 4, 6, 30, 0, 0, time.UTC)

func openValve() *command.Command {
	return &command.Command{
		ID:   "cmd-1",
		Kind: command.KindDeviceControl,
		Parameters: command.NewParams().
			Set("command", command.String("open")).
			Set("zone", command.Number(3)),
	}
}

func TestBuildMQTT(t *testing.T) {
	dev := roster.Device{ID: "v1", Protocol: transport.ProtocolMQTT, Token: "tok-1", Options: transport.Options{QoS: 1}}
	del, err := NewDispatcher().Build(openValve(), dev, dispatchNow)
	require.NoError(t, err)

	assert.Equal(t, "devices/tok-1/commands/open", del.Route.Topic)
	assert.Equal(t, byte(1), del.Route.QoS)
	assert.JSONEq(t, `{"command":"open","parameters":{"command":"open","zone":3},"timestamp":`+
		jsonInt(dispatchNow.UnixMilli())+`}`, string(del.Payload))
}

func TestBuildSerialUsesExchange(t *testing.T) {
	dev := roster.Device{ID: "s1", Protocol: transport.ProtocolSerial, Address: "/dev/ttyUSB0"}
	del, err := NewDispatcher().Build(openValve(), dev, dispatchNow)
	require.NoError(t, err)

	assert.True(t, del.Exchange)
	assert.Equal(t, "\r\n", string(del.Payload[len(del.Payload)-2:]))
	var env map[string]any
	require.NoError(t, json.Unmarshal(del.Payload[:len(del.Payload)-2], &env))
	assert.Equal(t, "open", env["command"])
	assert.Equal(t, "cmd-1", env["commandId"])
}

func TestBuildLoRaMessageTypes(t *testing.T) {
	dev := roster.Device{ID: "l1", Protocol: transport.ProtocolLoRa, Address: "0011223344556677"}
	d := NewDispatcher()

	del, err := d.Build(openValve(), dev, dispatchNow)
	require.NoError(t, err)
	assert.Equal(t, lora.MsgCommand, del.Route.MsgType)

	cfg := &command.Command{Kind: command.KindConfigUpdate, Parameters: command.NewParams().Set("interval", command.Number(900))}
	del, err = d.Build(cfg, dev, dispatchNow)
	require.NoError(t, err)
	assert.Equal(t, lora.MsgConfigUpdate, del.Route.MsgType)
}

func TestBuildRejectsEmptyConfigUpdate(t *testing.T) {
	dev := roster.Device{ID: "w1", Protocol: transport.ProtocolWiFi, Address: "http://w1"}
	_, err := NewDispatcher().Build(&command.Command{Kind: command.KindConfigUpdate}, dev, dispatchNow)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.True(t, permanent(err))
}

func TestUnknownKindUsesFallback(t *testing.T) {
	dev := roster.Device{ID: "m", Protocol: transport.ProtocolMQTT, Token: "t"}
	del, err := NewDispatcher().Build(&command.Command{Kind: "reboot"}, dev, dispatchNow)
	require.NoError(t, err)
	assert.Equal(t, "devices/t/commands/reboot", del.Route.Topic)
}

func TestRegisterOverridesKind(t *testing.T) {
	d := NewDispatcher()
	d.Register("reboot", func(*command.Command, roster.Device, time.Time) (Delivery, error) {
		return Delivery{Payload: []byte("AT+RST")}, nil
	})
	del, err := d.Build(&command.Command{Kind: "reboot"}, roster.Device{}, dispatchNow)
	require.NoError(t, err)
	assert.Equal(t, "AT+RST", string(del.Payload))
}

type requester struct {
	benchAdapter
	resp []byte
	err  error
}

func (r *requester) Request(context.Context, []byte, transport.Route) ([]byte, error) {
	return r.resp, r.err
}

func TestDeliverPrefersRequestForExchange(t *testing.T) {
	r := &requester{resp: []byte(" done\n")}
	out, err := Deliver(context.Background(), r, Delivery{Exchange: true})
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	r.err = transport.Errorf(transport.ErrRejected, "ERROR")
	_, err = Deliver(context.Background(), r, Delivery{Exchange: true})
	assert.True(t, errors.Is(err, transport.ErrRejected))
}

func TestConfigHashIsOrderIndependent(t *testing.T) {
	a, err := ConfigHash(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	b, err := ConfigHash(map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := ConfigHash(map[string]any{"a": 2, "b": "x"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
