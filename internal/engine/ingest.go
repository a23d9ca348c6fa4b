package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agsys/edge-sync/internal/metrics"
	"github.com/agsys/edge-sync/internal/registry"
	"github.com/agsys/edge-sync/internal/storage"
	"github.com/agsys/edge-sync/internal/transport"
	"github.com/agsys/edge-sync/internal/transport/lora"
	"github.com/agsys/edge-sync/internal/transport/mqtt"
)

// errNotTelemetry marks frames that carry no readings (acks, AT
// responses, status pings). They are dropped quietly.
var errNotTelemetry = errors.New("no telemetry in frame")

// reading is a decoded measurement before it is buffered
type reading struct {
	SensorType string   `json:"sensorType"`
	Value      *float64 `json:"value"`
	Unit       string   `json:"unit,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"` // unix ms
}

// ingestLoop buffers telemetry from every device until frames closes
func (e *Engine) ingestLoop(ctx context.Context, frames <-chan registry.Inbound) {
	for in := range frames {
		metrics.IncInbound(string(in.Protocol))
		n, err := e.ingest(ctx, in)
		switch {
		case errors.Is(err, errNotTelemetry):
			e.log.Debug().Str("device_id", in.DeviceID).Str("source", in.Frame.Source).Msg("frame ignored")
		case err != nil:
			e.log.Warn().Err(err).Str("device_id", in.DeviceID).Str("source", in.Frame.Source).Msg("frame not ingested")
		default:
			e.log.Debug().Str("device_id", in.DeviceID).Int("readings", n).Msg("telemetry buffered")
		}
	}
}

// ingest decodes one frame and buffers its readings for upload
func (e *Engine) ingest(ctx context.Context, in registry.Inbound) (int, error) {
	at := in.Frame.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	readings, err := e.decodeFrame(in)
	if err != nil {
		return 0, err
	}

	token := in.DeviceID
	if dev, ok := e.roster.Lookup(in.DeviceID); ok {
		token = dev.TelemetryToken()
	}
	for _, r := range readings {
		ts := at
		if r.Timestamp != 0 {
			ts = time.UnixMilli(r.Timestamp)
		}
		if _, err := e.db.InsertTelemetry(ctx, &storage.TelemetryRecord{
			DeviceID:    in.DeviceID,
			DeviceToken: token,
			SensorType:  r.SensorType,
			Value:       *r.Value,
			Unit:        r.Unit,
			Timestamp:   ts,
		}); err != nil {
			return 0, fmt.Errorf("buffer telemetry: %w", err)
		}
	}
	return len(readings), nil
}

func (e *Engine) decodeFrame(in registry.Inbound) ([]reading, error) {
	switch in.Protocol {
	case transport.ProtocolMQTT:
		return e.decodeMQTT(in)
	case transport.ProtocolLoRa:
		rs, err := lora.Readings(in.Frame.Source, in.Frame.Payload)
		if err != nil {
			return nil, err
		}
		if len(rs) == 0 {
			return nil, errNotTelemetry
		}
		out := make([]reading, len(rs))
		for i, r := range rs {
			v := r.Value
			out[i] = reading{SensorType: r.SensorType, Value: &v, Unit: r.Unit}
		}
		return out, nil
	default:
		return decodeJSON(in.Frame.Payload)
	}
}

func (e *Engine) decodeMQTT(in registry.Inbound) ([]reading, error) {
	topic, ok := mqtt.ParseTopic(in.Frame.Source)
	if !ok {
		return nil, errNotTelemetry
	}
	switch topic.Kind {
	case mqtt.TopicTelemetry:
		var p mqtt.TelemetryPayload
		if err := json.Unmarshal(in.Frame.Payload, &p); err != nil {
			return nil, fmt.Errorf("telemetry payload: %w", err)
		}
		v := p.Value
		return []reading{{SensorType: topic.Name, Value: &v, Unit: p.Unit, Timestamp: p.Timestamp}}, nil

	case mqtt.TopicStatus:
		var p mqtt.StatusPayload
		if err := json.Unmarshal(in.Frame.Payload, &p); err != nil {
			return nil, fmt.Errorf("status payload: %w", err)
		}
		e.log.Info().Str("device_id", in.DeviceID).Str("status", p.Status).Bool("online", p.Online).Msg("device status")
		if p.Battery == nil {
			return nil, errNotTelemetry
		}
		v := float64(*p.Battery)
		return []reading{{SensorType: "battery", Value: &v, Unit: "%"}}, nil
	}
	return nil, errNotTelemetry
}

// decodeJSON accepts a single reading object, an array of them, or an
// object with a "readings" array. Anything else is not telemetry.
func decodeJSON(payload []byte) ([]reading, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, errNotTelemetry
	}

	var rs []reading
	switch payload[0] {
	case '[':
		if err := json.Unmarshal(payload, &rs); err != nil {
			return nil, errNotTelemetry
		}
	case '{':
		var doc struct {
			reading
			Readings []reading `json:"readings"`
		}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, errNotTelemetry
		}
		rs = doc.Readings
		if doc.SensorType != "" {
			rs = append([]reading{doc.reading}, rs...)
		}
	default:
		return nil, errNotTelemetry
	}

	out := rs[:0]
	for _, r := range rs {
		if r.SensorType != "" && r.Value != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, errNotTelemetry
	}
	return out, nil
}
