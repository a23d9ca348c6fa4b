package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agsys/edge-sync/internal/command"
	"github.com/agsys/edge-sync/internal/roster"
	"github.com/agsys/edge-sync/internal/transport"
	"github.com/agsys/edge-sync/internal/transport/lora"
	"github.com/agsys/edge-sync/internal/transport/mqtt"
)

// ErrMalformed marks a command no handler can turn into a delivery. Such
// commands are failed permanently.
var ErrMalformed = errors.New("malformed command")

// Delivery is what goes over the wire for one command
type Delivery struct {
	Payload []byte
	Route   transport.Route
	// Exchange pairs the send with the device's response on adapters
	// that support it; the response becomes the command result.
	Exchange bool
}

// Handler builds the delivery of a command for a device
type Handler func(c *command.Command, dev roster.Device, now time.Time) (Delivery, error)

// Dispatcher picks a Handler by command kind
type Dispatcher struct {
	handlers map[string]Handler
	fallback Handler
}

// NewDispatcher returns a dispatcher with the built-in kinds registered
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: map[string]Handler{
			command.KindDeviceControl: deviceControl,
			command.KindConfigUpdate:  configUpdate,
			command.KindTelemetrySync: telemetrySync,
		},
		fallback: deviceControl,
	}
}

// Register installs h for kind, replacing any previous handler
func (d *Dispatcher) Register(kind string, h Handler) { d.handlers[kind] = h }

// Build resolves the handler for c and runs it
func (d *Dispatcher) Build(c *command.Command, dev roster.Device, now time.Time) (Delivery, error) {
	h, ok := d.handlers[c.Kind]
	if !ok {
		h = d.fallback
	}
	return h(c, dev, now)
}

// Deliver sends del through a and returns the command result
func Deliver(ctx context.Context, a transport.Adapter, del Delivery) (string, error) {
	if req, ok := a.(transport.Requester); ok && del.Exchange {
		resp, err := req.Request(ctx, del.Payload, del.Route)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(resp)), nil
	}
	if err := a.Send(ctx, del.Payload, del.Route); err != nil {
		return "", err
	}
	return "delivered", nil
}

// envelope is the JSON body sent to non-MQTT devices
type envelope struct {
	Command    string          `json:"command"`
	Parameters *command.Params `json:"parameters"`
	CommandID  string          `json:"commandId"`
	Timestamp  int64           `json:"timestamp"`
}

func deviceControl(c *command.Command, dev roster.Device, now time.Time) (Delivery, error) {
	return build(c, dev, now, c.Name(), lora.MsgCommand)
}

func configUpdate(c *command.Command, dev roster.Device, now time.Time) (Delivery, error) {
	if c.Parameters.Len() == 0 {
		return Delivery{}, fmt.Errorf("%w: configuration update without parameters", ErrMalformed)
	}
	return build(c, dev, now, "config", lora.MsgConfigUpdate)
}

func telemetrySync(c *command.Command, dev roster.Device, now time.Time) (Delivery, error) {
	return build(c, dev, now, "sync_telemetry", lora.MsgCommand)
}

func build(c *command.Command, dev roster.Device, now time.Time, name string, loraType uint8) (Delivery, error) {
	params := c.Parameters
	if params == nil {
		params = command.NewParams()
	}

	if dev.Protocol == transport.ProtocolMQTT {
		wire := mqtt.NewCommandPayload(c, now)
		wire.Command = name
		payload, err := json.Marshal(wire)
		if err != nil {
			return Delivery{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Delivery{
			Payload: payload,
			Route: transport.Route{
				Topic: mqtt.CommandTopic(dev.TelemetryToken(), name),
				QoS:   dev.Options.QoS,
			},
		}, nil
	}

	payload, err := json.Marshal(envelope{
		Command:    name,
		Parameters: params,
		CommandID:  c.ID,
		Timestamp:  now.UnixMilli(),
	})
	if err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	del := Delivery{Payload: payload}
	switch dev.Protocol {
	case transport.ProtocolSerial:
		del.Payload = append(del.Payload, '\r', '\n')
		del.Exchange = true
	case transport.ProtocolWiFi:
		del.Exchange = true
	case transport.ProtocolLoRa:
		del.Route.MsgType = loraType
	}
	return del, nil
}
