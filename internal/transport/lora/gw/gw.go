// Package gw holds the subset of the ChirpStack gateway API spoken by
// Concentratord over ZeroMQ. Messages are encoded with protowire so no
// generated code is needed.
// Based on: https://github.com/chirpstack/chirpstack/blob/master/api/proto/gw/gw.proto
package gw

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// CodeRate represents LoRa coding rate
type CodeRate int32

const (
	CodeRate_CR_UNDEFINED CodeRate = 0
	CodeRate_CR_4_5       CodeRate = 1
	CodeRate_CR_4_6       CodeRate = 2
	CodeRate_CR_4_7       CodeRate = 3
	CodeRate_CR_4_8       CodeRate = 4
)

// ParseCodeRate maps "4/5".."4/8" to a CodeRate. Anything else is 4/5.
func ParseCodeRate(s string) CodeRate {
	switch s {
	case "4/6":
		return CodeRate_CR_4_6
	case "4/7":
		return CodeRate_CR_4_7
	case "4/8":
		return CodeRate_CR_4_8
	}
	return CodeRate_CR_4_5
}

// TxAckStatus represents the status of a downlink transmission
type TxAckStatus int32

const (
	TxAckStatus_IGNORED             TxAckStatus = 0
	TxAckStatus_OK                  TxAckStatus = 1
	TxAckStatus_TOO_LATE            TxAckStatus = 2
	TxAckStatus_TOO_EARLY           TxAckStatus = 3
	TxAckStatus_COLLISION_PACKET    TxAckStatus = 4
	TxAckStatus_COLLISION_BEACON    TxAckStatus = 5
	TxAckStatus_TX_FREQ             TxAckStatus = 6
	TxAckStatus_TX_POWER            TxAckStatus = 7
	TxAckStatus_GPS_UNLOCKED        TxAckStatus = 8
	TxAckStatus_QUEUE_FULL          TxAckStatus = 9
	TxAckStatus_INTERNAL_ERROR      TxAckStatus = 10
	TxAckStatus_DUTY_CYCLE_OVERFLOW TxAckStatus = 11
)

var txAckNames = map[TxAckStatus]string{
	TxAckStatus_IGNORED:             "IGNORED",
	TxAckStatus_OK:                  "OK",
	TxAckStatus_TOO_LATE:            "TOO_LATE",
	TxAckStatus_TOO_EARLY:           "TOO_EARLY",
	TxAckStatus_COLLISION_PACKET:    "COLLISION_PACKET",
	TxAckStatus_COLLISION_BEACON:    "COLLISION_BEACON",
	TxAckStatus_TX_FREQ:             "TX_FREQ",
	TxAckStatus_TX_POWER:            "TX_POWER",
	TxAckStatus_GPS_UNLOCKED:        "GPS_UNLOCKED",
	TxAckStatus_QUEUE_FULL:          "QUEUE_FULL",
	TxAckStatus_INTERNAL_ERROR:      "INTERNAL_ERROR",
	TxAckStatus_DUTY_CYCLE_OVERFLOW: "DUTY_CYCLE_OVERFLOW",
}

func (s TxAckStatus) String() string {
	if n, ok := txAckNames[s]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(s))
}

// UplinkFrame represents a received LoRa frame
type UplinkFrame struct {
	PhyPayload []byte
	TxInfo     *UplinkTxInfo
	RxInfo     *UplinkRxInfo
}

// UplinkTxInfo contains TX metadata for uplink
type UplinkTxInfo struct {
	Frequency uint32
}

// UplinkRxInfo contains RX metadata for uplink
type UplinkRxInfo struct {
	GatewayId string
	UplinkId  uint32
	Rssi      int32
	Snr       float32
	Channel   uint32
}

// DownlinkFrame represents a frame to transmit
type DownlinkFrame struct {
	DownlinkId uint32
	GatewayId  string
	Items      []*DownlinkFrameItem
}

// DownlinkFrameItem represents a single downlink opportunity
type DownlinkFrameItem struct {
	PhyPayload []byte
	TxInfo     *DownlinkTxInfo
}

// DownlinkTxInfo contains TX parameters for downlink
type DownlinkTxInfo struct {
	Frequency  uint32
	Power      int32
	Modulation *LoraModulationInfo
	Board      uint32
	Antenna    uint32
	// Immediately is the only timing mode the controller uses
	Immediately bool
}

// LoraModulationInfo contains LoRa-specific modulation parameters
type LoraModulationInfo struct {
	Bandwidth             uint32
	SpreadingFactor       uint32
	CodeRate              CodeRate
	PolarizationInversion bool
}

// DownlinkTxAck represents acknowledgment of a downlink
type DownlinkTxAck struct {
	GatewayId  string
	DownlinkId uint32
	Items      []*DownlinkTxAckItem
}

// DownlinkTxAckItem represents status of a single downlink item
type DownlinkTxAckItem struct {
	Status TxAckStatus
}

// Status of the first item, or IGNORED when the ack is empty
func (a *DownlinkTxAck) Status() TxAckStatus {
	if a == nil || len(a.Items) == 0 {
		return TxAckStatus_IGNORED
	}
	return a.Items[0].Status
}

// GatewayStats contains gateway statistics
type GatewayStats struct {
	GatewayId           string
	RxPacketsReceived   uint32
	RxPacketsReceivedOk uint32
	TxPacketsReceived   uint32
	TxPacketsEmitted    uint32
}

// --- Encoding ---

type encoder []byte

func (e *encoder) varint(n protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	*e = protowire.AppendTag(*e, n, protowire.VarintType)
	*e = protowire.AppendVarint(*e, v)
}

func (e *encoder) int32(n protowire.Number, v int32) { e.varint(n, uint64(int64(v))) }

func (e *encoder) bool(n protowire.Number, v bool) {
	if v {
		e.varint(n, 1)
	}
}

func (e *encoder) fixed32(n protowire.Number, v uint32) {
	if v == 0 {
		return
	}
	*e = protowire.AppendTag(*e, n, protowire.Fixed32Type)
	*e = protowire.AppendFixed32(*e, v)
}

func (e *encoder) bytes(n protowire.Number, b []byte) {
	if len(b) == 0 {
		return
	}
	*e = protowire.AppendTag(*e, n, protowire.BytesType)
	*e = protowire.AppendBytes(*e, b)
}

func (e *encoder) string(n protowire.Number, s string) { e.bytes(n, []byte(s)) }

// message writes an embedded message even when it is empty
func (e *encoder) message(n protowire.Number, b []byte) {
	*e = protowire.AppendTag(*e, n, protowire.BytesType)
	*e = protowire.AppendBytes(*e, b)
}

// --- Decoding ---

type field struct {
	typ protowire.Type
	u   uint64
	b   []byte
}

func (f field) int32() int32     { return int32(f.u) }
func (f field) uint32() uint32   { return uint32(f.u) }
func (f field) float32() float32 { return math.Float32frombits(uint32(f.u)) }

// walk calls fn for every field of a message, skipping groups
func walk(b []byte, fn func(protowire.Number, field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, f); err != nil {
			return err
		}
	}
	return nil
}
