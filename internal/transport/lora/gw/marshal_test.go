package gw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownlinkFrame(t *testing.T) {
	dl := &DownlinkFrame{
		DownlinkId: 42,
		GatewayId:  "0016c001ff10a235",
		Items: []*DownlinkFrameItem{{
			PhyPayload: []byte{0xde, 0xad, 0xbe, 0xef},
			TxInfo: &DownlinkTxInfo{
				Frequency: 915000000,
				Power:     20,
				Modulation: &LoraModulationInfo{
					Bandwidth:             125000,
					SpreadingFactor:       10,
					CodeRate:              CodeRate_CR_4_5,
					PolarizationInversion: true,
				},
				Immediately: true,
			},
		}},
	}

	data, err := MarshalDownlinkFrame(dl)
	require.NoError(t, err)

	got, err := UnmarshalDownlinkFrame(data)
	require.NoError(t, err)
	assert.Equal(t, dl, got)
}

func TestDownlinkFrameNeedsItems(t *testing.T) {
	_, err := MarshalDownlinkFrame(&DownlinkFrame{DownlinkId: 1})
	assert.Error(t, err)
}

func TestUplinkNegativeRSSI(t *testing.T) {
	up := &UplinkFrame{
		PhyPayload: []byte("payload"),
		TxInfo:     &UplinkTxInfo{Frequency: 902300000},
		RxInfo:     &UplinkRxInfo{GatewayId: "gw", UplinkId: 7, Rssi: -117, Snr: -7.5, Channel: 3},
	}
	got, err := UnmarshalUplinkFrame(MarshalUplinkFrame(up))
	require.NoError(t, err)
	assert.Equal(t, up, got)
}

func TestTxAckStatus(t *testing.T) {
	ack := &DownlinkTxAck{DownlinkId: 9, Items: []*DownlinkTxAckItem{{Status: TxAckStatus_QUEUE_FULL}}}
	got, err := UnmarshalDownlinkTxAck(MarshalDownlinkTxAck(ack))
	require.NoError(t, err)
	assert.Equal(t, TxAckStatus_QUEUE_FULL, got.Status())
	assert.Equal(t, "QUEUE_FULL", got.Status().String())

	var empty *DownlinkTxAck
	assert.Equal(t, TxAckStatus_IGNORED, empty.Status())
}

func TestTruncatedInput(t *testing.T) {
	data := MarshalUplinkFrame(&UplinkFrame{PhyPayload: []byte("0123456789")})
	_, err := UnmarshalUplinkFrame(data[:len(data)-3])
	assert.Error(t, err)
}

func TestFormatGatewayID(t *testing.T) {
	id, err := FormatGatewayID([]byte{0x00, 0x16, 0xc0, 0x01, 0xff, 0x10, 0xa2, 0x35})
	require.NoError(t, err)
	assert.Equal(t, "0016c001ff10a235", id)

	_, err = FormatGatewayID([]byte{1, 2})
	assert.Error(t, err)
}

func TestParseCodeRate(t *testing.T) {
	assert.Equal(t, CodeRate_CR_4_8, ParseCodeRate("4/8"))
	assert.Equal(t, CodeRate_CR_4_5, ParseCodeRate("bogus"))
}
