// Package transport defines the contract every device connection adapter
// implements, the connection state machine and the transport error kinds.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Protocol identifies a transport family
type Protocol string

const (
	ProtocolBLE    Protocol = "ble"
	ProtocolMQTT   Protocol = "mqtt"
	ProtocolSerial Protocol = "serial"
	ProtocolWiFi   Protocol = "wifi"
	ProtocolLoRa   Protocol = "lora"
)

// Protocols lists every supported protocol
var Protocols = []Protocol{ProtocolBLE, ProtocolMQTT, ProtocolSerial, ProtocolWiFi, ProtocolLoRa}

// ParseProtocol normalizes a protocol name
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "usb", "usb-serial":
		return ProtocolSerial, nil
	case "http", "wifi-http":
		return ProtocolWiFi, nil
	}
	for _, known := range Protocols {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// Frame is one unit of inbound data from a device
type Frame struct {
	// Source names where the frame came from: an MQTT topic, a BLE
	// characteristic UUID, an HTTP path or a serial port.
	Source     string
	Payload    []byte
	ReceivedAt time.Time
}

// Route tells an adapter where a payload goes. Each adapter reads the
// fields that apply to it.
type Route struct {
	Topic          string        // MQTT
	QoS            byte          // MQTT
	Retain         bool          // MQTT
	Characteristic string        // BLE
	Path           string        // WiFi
	Method         string        // WiFi
	MsgType        uint8         // LoRa
	Timeout        time.Duration // request/response exchanges
	Terminators    []string      // serial request/response
}

// Options configures a connection. The zero value is usable; adapters fill
// in their own defaults.
type Options struct {
	// MQTT
	ClientID     string        `yaml:"client_id,omitempty"`
	Username     string        `yaml:"username,omitempty"`
	Password     string        `yaml:"password,omitempty"`
	CleanSession *bool         `yaml:"clean_session,omitempty"`
	KeepAlive    time.Duration `yaml:"keep_alive,omitempty"`
	QoS          byte          `yaml:"qos,omitempty"`
	DeviceToken  string        `yaml:"-"`

	// Serial
	BaudRate int `yaml:"baud_rate,omitempty"`

	// BLE
	ScanTimeout         time.Duration `yaml:"scan_timeout,omitempty"`
	WriteCharacteristic string        `yaml:"write_characteristic,omitempty"`
	Notify              []string      `yaml:"notify,omitempty"`

	// WiFi
	ProbePath     string        `yaml:"probe_path,omitempty"`
	ProbeInterval time.Duration `yaml:"probe_interval,omitempty"`
	CommandPath   string        `yaml:"command_path,omitempty"`

	// LoRa
	EventURL        string `yaml:"event_url,omitempty"`
	CommandURL      string `yaml:"command_url,omitempty"`
	AESKey          string `yaml:"aes_key,omitempty"`
	Frequency       uint32 `yaml:"frequency,omitempty"`
	SpreadingFactor uint32 `yaml:"spreading_factor,omitempty"`
	Bandwidth       uint32 `yaml:"bandwidth,omitempty"`
	CodingRate      string `yaml:"coding_rate,omitempty"`
	TxPower         int32  `yaml:"tx_power,omitempty"`

	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// Adapter is a connection to one device over one protocol. A single
// adapter is used by one device at a time; the registry serializes calls.
type Adapter interface {
	Protocol() Protocol
	// Connect establishes the session. It blocks until Connected or a
	// failure, in which case the adapter ends Disconnected.
	Connect(ctx context.Context, address string, opts Options) error
	// Disconnect tears the session down. It is safe to call in any state.
	Disconnect(ctx context.Context) error
	// Send delivers payload. Adapters that acknowledge asynchronously
	// return once the payload is handed to the transport.
	Send(ctx context.Context, payload []byte, route Route) error
	// Receive returns the inbound stream of the current session. The
	// channel is closed when the session ends.
	Receive() <-chan Frame
	// State returns the current connection state without blocking
	State() State
	// Watch subscribes to state changes
	Watch(buf int) (<-chan State, func())
}

// Requester is implemented by adapters that can pair a request with its
// response.
type Requester interface {
	Request(ctx context.Context, payload []byte, route Route) ([]byte, error)
}
