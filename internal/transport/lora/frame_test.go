package lora

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameHeader(t *testing.T) {
	uid, err := ParseUID("01:02:03:04:05:06:07:08")
	require.NoError(t, err)
	assert.Equal(t, "0102030405060708", uid.String())

	data := AppendFrame(nil, Header{UID: uid, Type: MsgValveStatus, Seq: 0x1234}, []byte{9, 9})
	assert.Len(t, data, HeaderSize+2)
	assert.Equal(t, []byte{0x34, 0x12}, data[9:11])

	h, body, err := SplitFrame(data)
	require.NoError(t, err)
	assert.Equal(t, Header{UID: uid, Type: MsgValveStatus, Seq: 0x1234}, h)
	assert.Equal(t, []byte{9, 9}, body)

	_, _, err = SplitFrame(data[:5])
	assert.Error(t, err)
}

func TestParseUIDRejects(t *testing.T) {
	_, err := ParseUID("0102")
	assert.Error(t, err)
	_, err = ParseUID("zz02030405060708")
	assert.Error(t, err)
}

func TestSealOpen(t *testing.T) {
	uid, _ := ParseUID("a1b2c3d4e5f60718")
	key := DeriveKey(uid)
	assert.Len(t, key, KeySize)

	packet, err := Seal(key, 0x01020304, []byte("open valve 3"))
	require.NoError(t, err)
	assert.Len(t, packet, Overhead+len("open valve 3"))
	assert.Equal(t, []byte{1, 2, 3, 4}, packet[:NonceSize])

	plain, err := Open(key, packet)
	require.NoError(t, err)
	assert.Equal(t, "open valve 3", string(plain))

	packet[NonceSize] ^= 0xff
	_, err = Open(key, packet)
	assert.Error(t, err)

	_, err = Open(key, []byte{1, 2, 3})
	assert.Error(t, err)

	other, _ := ParseUID("0000000000000001")
	sealed, _ := Seal(key, 1, []byte("hi"))
	_, err = Open(DeriveKey(other), sealed)
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	_, err = ParseKey("0001")
	assert.Error(t, err)
}

func TestReadings(t *testing.T) {
	// probe 1, raw 0x0210, 42%, 22.0C, 3700mV
	rs, err := Readings("sensor-data", []byte{0x01, 0x10, 0x02, 42, 0xdc, 0x00, 0x74, 0x0e})
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.Equal(t, Reading{SensorType: "soil_moisture_1", Value: 42, Unit: "%"}, rs[0])
	assert.Equal(t, Reading{SensorType: "soil_temperature_1", Value: 22, Unit: "C"}, rs[1])
	assert.Equal(t, Reading{SensorType: "battery", Value: 3700, Unit: "mV"}, rs[2])

	// 1000 L, 12.5 L/min
	rs, err = Readings("water-meter", []byte{0xe8, 0x03, 0, 0, 125, 0, 0x74, 0x0e})
	require.NoError(t, err)
	assert.Equal(t, 1000.0, rs[0].Value)
	assert.Equal(t, 12.5, rs[1].Value)

	_, err = Readings("valve-status", []byte{1, 2})
	assert.Error(t, err)

	rs, err = Readings("heartbeat", nil)
	assert.NoError(t, err)
	assert.Nil(t, rs)
}
