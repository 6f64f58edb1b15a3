package pdu

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func bitmapCapData(bpp, width, height uint16) []byte {
	data := make([]byte, 24)

	binary.LittleEndian.PutUint16(data[0:], bpp)
	binary.LittleEndian.PutUint16(data[2:], 1) // receive1BitPerPixel
	binary.LittleEndian.PutUint16(data[8:], width)
	binary.LittleEndian.PutUint16(data[10:], height)

	return data
}

func inputCapData(flags uint16) []byte {
	data := make([]byte, 84)

	binary.LittleEndian.PutUint16(data[0:], flags)

	return data
}

func TestDemandActiveRoundtrip(t *testing.T) {
	demand := DemandActive{
		ShareID:          0x000103EA,
		SourceDescriptor: []byte("RDP\x00"),
		CapabilitySets: []CapabilitySet{
			{Type: CapabilitySetTypeGeneral, Data: make([]byte, 20)},
			{Type: CapabilitySetTypeBitmap, Data: bitmapCapData(16, 1280, 720)},
			{Type: CapabilitySetTypeOrder, Data: make([]byte, 84)},
		},
		SessionID: 7,
	}

	var parsed DemandActive

	require.NoError(t, parsed.Deserialize(bytes.NewReader(demand.Serialize())))
	require.Equal(t, demand, parsed)

	summary, ok := parsed.BitmapSummary()
	require.True(t, ok)
	require.Equal(t, uint16(1280), summary.DesktopWidth)
	require.Equal(t, uint16(720), summary.DesktopHeight)
	require.Equal(t, uint16(16), summary.PreferredBitsPerPixel)
}

func TestDemandActiveWithoutSessionID(t *testing.T) {
	demand := DemandActive{
		ShareID:          0x03EA,
		SourceDescriptor: []byte{0x00},
		CapabilitySets: []CapabilitySet{
			{Type: CapabilitySetTypeGeneral, Data: make([]byte, 20)},
		},
	}

	wire := demand.Serialize()

	var parsed DemandActive

	require.NoError(t, parsed.Deserialize(bytes.NewReader(wire[:len(wire)-4])))
	require.Zero(t, parsed.SessionID)
	require.Len(t, parsed.CapabilitySets, 1)
}

func TestConfirmActiveRoundtrip(t *testing.T) {
	confirm := ConfirmActive{
		ShareID:          0x000103EA,
		OriginatorID:     0x03EA,
		SourceDescriptor: []byte("MSTSC"),
		CapabilitySets: []CapabilitySet{
			{Type: CapabilitySetTypeBitmap, Data: bitmapCapData(32, 1920, 1080)},
			{Type: CapabilitySetTypeInput, Data: inputCapData(InputFlagScancodes | InputFlagFastPath)},
			{Type: CapabilitySetTypeMultifragment, Data: []byte{0x00, 0xF4, 0x01, 0x00}},
		},
	}

	var parsed ConfirmActive

	require.NoError(t, parsed.Deserialize(bytes.NewReader(confirm.Serialize())))
	require.Equal(t, confirm, parsed)
	require.True(t, parsed.SupportsFastPathInput())
}

func TestConfirmActiveNoFastPathInput(t *testing.T) {
	confirm := ConfirmActive{
		OriginatorID:     0x03EA,
		SourceDescriptor: []byte{0x00},
		CapabilitySets: []CapabilitySet{
			{Type: CapabilitySetTypeInput, Data: inputCapData(InputFlagScancodes)},
		},
	}

	var parsed ConfirmActive

	require.NoError(t, parsed.Deserialize(bytes.NewReader(confirm.Serialize())))
	require.False(t, parsed.SupportsFastPathInput())
}

func TestReadCapabilitySetsRejectsShortLength(t *testing.T) {
	wire := []byte{0x01, 0x00, 0x03, 0x00} // length 3 < header size

	_, err := readCapabilitySets(bytes.NewReader(wire), 1)
	require.ErrorIs(t, err, ErrShortUserData)
}
