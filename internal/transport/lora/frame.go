package lora

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Message types carried in the frame header
const (
	// Device -> controller
	MsgSensorData  uint8 = 0x01
	MsgWaterMeter  uint8 = 0x02
	MsgValveStatus uint8 = 0x03
	MsgValveAck    uint8 = 0x04
	MsgHeartbeat   uint8 = 0x06

	// Controller -> device
	MsgCommand      uint8 = 0x10
	MsgConfigUpdate uint8 = 0x12
	MsgTimeSync     uint8 = 0x13

	MsgAck  uint8 = 0xF0
	MsgNack uint8 = 0xF1
)

var msgNames = map[uint8]string{
	MsgSensorData:   "sensor-data",
	MsgWaterMeter:   "water-meter",
	MsgValveStatus:  "valve-status",
	MsgValveAck:     "valve-ack",
	MsgHeartbeat:    "heartbeat",
	MsgCommand:      "command",
	MsgConfigUpdate: "config-update",
	MsgTimeSync:     "time-sync",
	MsgAck:          "ack",
	MsgNack:         "nack",
}

// MessageName is the frame source name for a message type
func MessageName(t uint8) string {
	if n, ok := msgNames[t]; ok {
		return n
	}
	return fmt.Sprintf("0x%02x", t)
}

// HeaderSize: 8 (UID) + 1 (type) + 2 (seq)
const HeaderSize = 11

// UID is a field device's MCU unique id
type UID [8]byte

// ParseUID reads 16 hex digits, with or without ':' separators
func ParseUID(s string) (UID, error) {
	var uid UID
	b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	if err != nil {
		return uid, fmt.Errorf("device uid %q: %w", s, err)
	}
	if len(b) != len(uid) {
		return uid, fmt.Errorf("device uid %q: need 8 bytes, got %d", s, len(b))
	}
	copy(uid[:], b)
	return uid, nil
}

func (u UID) String() string { return strings.ToUpper(hex.EncodeToString(u[:])) }

// Header precedes every frame in clear so the receiver can pick the key
type Header struct {
	UID  UID
	Type uint8
	Seq  uint16
}

// AppendFrame writes h followed by body
func AppendFrame(dst []byte, h Header, body []byte) []byte {
	var hdr [HeaderSize]byte
	copy(hdr[0:8], h.UID[:])
	hdr[8] = h.Type
	binary.LittleEndian.PutUint16(hdr[9:11], h.Seq)
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}

// SplitFrame parses the header and returns the remaining body
func SplitFrame(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	copy(h.UID[:], data[0:8])
	h.Type = data[8]
	h.Seq = binary.LittleEndian.Uint16(data[9:11])
	return h, data[HeaderSize:], nil
}
