package mqtt

import (
	"strings"
	"time"

	"github.com/agsys/edge-sync/internal/command"
)

// TopicKind identifies which device channel a topic belongs to
type TopicKind int

const (
	TopicUnknown TopicKind = iota
	TopicTelemetry
	TopicCommand
	TopicStatus
)

// Topic is a parsed devices/{token}/... topic
type Topic struct {
	Token string
	Kind  TopicKind
	// Name is the sensor type for telemetry and the command name for
	// commands. Empty for status.
	Name string
}

// TelemetryTopic is where a device publishes readings of one sensor
func TelemetryTopic(token, sensorType string) string {
	return "devices/" + token + "/telemetry/" + sensorType
}

// TelemetryFilter matches every telemetry topic of a device
func TelemetryFilter(token string) string {
	return "devices/" + token + "/telemetry/+"
}

// CommandTopic is where commands for a device are published
func CommandTopic(token, name string) string {
	return "devices/" + token + "/commands/" + name
}

// StatusTopic is where a device reports its status
func StatusTopic(token string) string {
	return "devices/" + token + "/status"
}

// ParseTopic splits a device topic. ok is false for anything else.
func ParseTopic(topic string) (Topic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "devices" || parts[1] == "" {
		return Topic{}, false
	}
	t := Topic{Token: parts[1]}
	switch {
	case len(parts) == 3 && parts[2] == "status":
		t.Kind = TopicStatus
	case len(parts) == 4 && parts[2] == "telemetry" && parts[3] != "":
		t.Kind = TopicTelemetry
		t.Name = parts[3]
	case len(parts) == 4 && parts[2] == "commands" && parts[3] != "":
		t.Kind = TopicCommand
		t.Name = parts[3]
	default:
		return Topic{}, false
	}
	return t, true
}

// TelemetryPayload is the body of a telemetry message
type TelemetryPayload struct {
	Value     float64 `json:"value"`
	Unit      string  `json:"unit,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Time converts the millisecond timestamp; zero falls back to fallback
func (p TelemetryPayload) Time(fallback time.Time) time.Time {
	if p.Timestamp == 0 {
		return fallback
	}
	return time.UnixMilli(p.Timestamp)
}

// CommandPayload is the body of a command message
type CommandPayload struct {
	Command    string          `json:"command"`
	Parameters *command.Params `json:"parameters"`
	Timestamp  int64           `json:"timestamp"`
}

// NewCommandPayload builds the wire form of c
func NewCommandPayload(c *command.Command, now time.Time) CommandPayload {
	params := c.Parameters
	if params == nil {
		params = command.NewParams()
	}
	return CommandPayload{Command: c.Name(), Parameters: params, Timestamp: now.UnixMilli()}
}

// StatusPayload is the body of a status message
type StatusPayload struct {
	Status  string `json:"status"`
	Online  bool   `json:"online"`
	Battery *int   `json:"battery,omitempty"`
}
