package lora

import (
	"encoding/binary"
	"fmt"
)

// Reading is one decoded measurement from a field device uplink
type Reading struct {
	SensorType string
	Value      float64
	Unit       string
}

// Readings decodes the binary uplink payload named by source (see
// MessageName). Message types that carry no measurements yield nil.
func Readings(source string, p []byte) ([]Reading, error) {
	switch source {
	case msgNames[MsgSensorData]:
		// probe(1) raw(2) percent(1) temp 0.1°C(2) battery mV(2)
		if len(p) < 8 {
			return nil, fmt.Errorf("sensor data too short: %d bytes", len(p))
		}
		probe := p[0]
		return []Reading{
			{SensorType: fmt.Sprintf("soil_moisture_%d", probe), Value: float64(p[3]), Unit: "%"},
			{SensorType: fmt.Sprintf("soil_temperature_%d", probe), Value: float64(int16(binary.LittleEndian.Uint16(p[4:6]))) / 10, Unit: "C"},
			{SensorType: "battery", Value: float64(binary.LittleEndian.Uint16(p[6:8])), Unit: "mV"},
		}, nil

	case msgNames[MsgWaterMeter]:
		// total L(4) flow L/min x10(2) battery mV(2)
		if len(p) < 8 {
			return nil, fmt.Errorf("water meter data too short: %d bytes", len(p))
		}
		return []Reading{
			{SensorType: "water_total", Value: float64(binary.LittleEndian.Uint32(p[0:4])), Unit: "L"},
			{SensorType: "water_flow", Value: float64(binary.LittleEndian.Uint16(p[4:6])) / 10, Unit: "L/min"},
			{SensorType: "battery", Value: float64(binary.LittleEndian.Uint16(p[6:8])), Unit: "mV"},
		}, nil

	case msgNames[MsgValveStatus]:
		// actuator(1) state(1) current mA(2) flags(1)
		if len(p) < 5 {
			return nil, fmt.Errorf("valve status too short: %d bytes", len(p))
		}
		actuator := p[0]
		return []Reading{
			{SensorType: fmt.Sprintf("valve_state_%d", actuator), Value: float64(p[1])},
			{SensorType: fmt.Sprintf("valve_current_%d", actuator), Value: float64(binary.LittleEndian.Uint16(p[2:4])), Unit: "mA"},
		}, nil
	}
	return nil, nil
}
