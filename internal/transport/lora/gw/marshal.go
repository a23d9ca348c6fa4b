package gw

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Concentratord event and command names (first ZeroMQ frame)
const (
	EventUplink    = "up"
	EventStats     = "stats"
	CommandDown    = "down"
	CommandGateway = "gateway_id"
)

// MarshalDownlinkFrame serializes a downlink frame
func MarshalDownlinkFrame(dl *DownlinkFrame) ([]byte, error) {
	if len(dl.Items) == 0 {
		return nil, fmt.Errorf("no downlink items")
	}

	var e encoder
	e.varint(3, uint64(dl.DownlinkId))
	for _, item := range dl.Items {
		e.message(5, marshalDownlinkItem(item))
	}
	e.string(7, dl.GatewayId)
	return e, nil
}

func marshalDownlinkItem(item *DownlinkFrameItem) []byte {
	var e encoder
	e.bytes(1, item.PhyPayload)
	if tx := item.TxInfo; tx != nil {
		var t encoder
		t.varint(1, uint64(tx.Frequency))
		t.int32(2, tx.Power)
		if m := tx.Modulation; m != nil {
			var lm encoder
			lm.varint(1, uint64(m.Bandwidth))
			lm.varint(2, uint64(m.SpreadingFactor))
			lm.bool(4, m.PolarizationInversion)
			lm.varint(5, uint64(m.CodeRate))
			var mod encoder
			mod.message(3, lm)
			t.message(3, mod)
		}
		t.varint(4, uint64(tx.Board))
		t.varint(5, uint64(tx.Antenna))
		if tx.Immediately {
			var timing encoder
			timing.message(1, nil)
			t.message(6, timing)
		}
		e.message(3, t)
	}
	return e
}

// UnmarshalDownlinkFrame deserializes a downlink frame
func UnmarshalDownlinkFrame(data []byte) (*DownlinkFrame, error) {
	dl := &DownlinkFrame{}
	err := walk(data, func(n protowire.Number, f field) error {
		switch n {
		case 3:
			dl.DownlinkId = f.uint32()
		case 5:
			item, err := unmarshalDownlinkItem(f.b)
			if err != nil {
				return err
			}
			dl.Items = append(dl.Items, item)
		case 7:
			dl.GatewayId = string(f.b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("downlink frame: %w", err)
	}
	return dl, nil
}

func unmarshalDownlinkItem(data []byte) (*DownlinkFrameItem, error) {
	item := &DownlinkFrameItem{}
	err := walk(data, func(n protowire.Number, f field) error {
		switch n {
		case 1:
			item.PhyPayload = append([]byte(nil), f.b...)
		case 3:
			tx := &DownlinkTxInfo{}
			item.TxInfo = tx
			return walk(f.b, func(n protowire.Number, f field) error {
				switch n {
				case 1:
					tx.Frequency = f.uint32()
				case 2:
					tx.Power = f.int32()
				case 3:
					return walk(f.b, func(n protowire.Number, f field) error {
						if n != 3 {
							return nil
						}
						m := &LoraModulationInfo{}
						tx.Modulation = m
						return walk(f.b, func(n protowire.Number, f field) error {
							switch n {
							case 1:
								m.Bandwidth = f.uint32()
							case 2:
								m.SpreadingFactor = f.uint32()
							case 4:
								m.PolarizationInversion = f.u != 0
							case 5:
								m.CodeRate = CodeRate(f.int32())
							}
							return nil
						})
					})
				case 4:
					tx.Board = f.uint32()
				case 5:
					tx.Antenna = f.uint32()
				case 6:
					return walk(f.b, func(n protowire.Number, f field) error {
						if n == 1 {
							tx.Immediately = true
						}
						return nil
					})
				}
				return nil
			})
		}
		return nil
	})
	return item, err
}

// MarshalUplinkFrame serializes an uplink frame
func MarshalUplinkFrame(up *UplinkFrame) []byte {
	var e encoder
	e.bytes(1, up.PhyPayload)
	if tx := up.TxInfo; tx != nil {
		var t encoder
		t.varint(1, uint64(tx.Frequency))
		e.message(4, t)
	}
	if rx := up.RxInfo; rx != nil {
		var r encoder
		r.string(1, rx.GatewayId)
		r.varint(2, uint64(rx.UplinkId))
		r.int32(6, rx.Rssi)
		r.fixed32(7, math.Float32bits(rx.Snr))
		r.varint(8, uint64(rx.Channel))
		e.message(5, r)
	}
	return e
}

// UnmarshalUplinkFrame deserializes an uplink frame
func UnmarshalUplinkFrame(data []byte) (*UplinkFrame, error) {
	up := &UplinkFrame{}
	err := walk(data, func(n protowire.Number, f field) error {
		switch n {
		case 1:
			up.PhyPayload = append([]byte(nil), f.b...)
		case 4:
			tx := &UplinkTxInfo{}
			up.TxInfo = tx
			return walk(f.b, func(n protowire.Number, f field) error {
				if n == 1 {
					tx.Frequency = f.uint32()
				}
				return nil
			})
		case 5:
			rx := &UplinkRxInfo{}
			up.RxInfo = rx
			return walk(f.b, func(n protowire.Number, f field) error {
				switch n {
				case 1:
					rx.GatewayId = string(f.b)
				case 2:
					rx.UplinkId = f.uint32()
				case 6:
					rx.Rssi = f.int32()
				case 7:
					rx.Snr = f.float32()
				case 8:
					rx.Channel = f.uint32()
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("uplink frame: %w", err)
	}
	return up, nil
}

// MarshalDownlinkTxAck serializes a TX acknowledgment
func MarshalDownlinkTxAck(ack *DownlinkTxAck) []byte {
	var e encoder
	e.varint(2, uint64(ack.DownlinkId))
	for _, it := range ack.Items {
		var item encoder
		item.varint(1, uint64(it.Status))
		e.message(5, item)
	}
	e.string(6, ack.GatewayId)
	return e
}

// UnmarshalDownlinkTxAck deserializes a TX acknowledgment
func UnmarshalDownlinkTxAck(data []byte) (*DownlinkTxAck, error) {
	ack := &DownlinkTxAck{}
	err := walk(data, func(n protowire.Number, f field) error {
		switch n {
		case 2:
			ack.DownlinkId = f.uint32()
		case 5:
			item := &DownlinkTxAckItem{}
			ack.Items = append(ack.Items, item)
			return walk(f.b, func(n protowire.Number, f field) error {
				if n == 1 {
					item.Status = TxAckStatus(f.int32())
				}
				return nil
			})
		case 6:
			ack.GatewayId = string(f.b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tx ack: %w", err)
	}
	return ack, nil
}

// UnmarshalGatewayStats deserializes gateway statistics
func UnmarshalGatewayStats(data []byte) (*GatewayStats, error) {
	st := &GatewayStats{}
	err := walk(data, func(n protowire.Number, f field) error {
		switch n {
		case 1:
			st.GatewayId = string(f.b)
		case 5:
			st.RxPacketsReceived = f.uint32()
		case 6:
			st.RxPacketsReceivedOk = f.uint32()
		case 7:
			st.TxPacketsReceived = f.uint32()
		case 8:
			st.TxPacketsEmitted = f.uint32()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gateway stats: %w", err)
	}
	return st, nil
}

// FormatGatewayID renders the 8-byte gateway id reply as hex
func FormatGatewayID(data []byte) (string, error) {
	if len(data) < 8 {
		return "", fmt.Errorf("gateway id response too short: %d bytes", len(data))
	}
	return fmt.Sprintf("%016x", binary.BigEndian.Uint64(data[0:8])), nil
}
