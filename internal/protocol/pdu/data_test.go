package pdu

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataPDURoundtrips(t *testing.T) {
	testCases := []struct {
		name string
		pdu  *Data
	}{
		{"synchronize", NewSynchronize(0x000103EA, 1007)},
		{"control cooperate", NewControl(0x000103EA, 1007, ControlActionCooperate)},
		{"control granted", NewControl(0x000103EA, 1002, ControlActionGrantedControl)},
		{"font list", NewFontList(0x000103EA, 1007)},
		{"font map", NewFontMap(0x000103EA, 1002)},
		{"input", NewInput(0x000103EA, 1007, []SlowPathInputEvent{
			{MessageType: InputEventScanCode, KeyboardFlags: KbdFlagsDown, KeyCode: 0x1E},
			{MessageType: InputEventMouse, PointerFlags: PTRFlagsMove, XPos: 100, YPos: 200},
		})},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wire := tc.pdu.Serialize()

			// declared lengths match the encoded size
			require.Equal(t, int(tc.pdu.ShareDataHeader.ShareControlHeader.TotalLength), len(wire))

			var parsed Data

			require.NoError(t, parsed.Deserialize(bytes.NewReader(wire)))
			require.Equal(t, tc.pdu.ShareDataHeader.PDUType2, parsed.ShareDataHeader.PDUType2)
			require.Equal(t, tc.pdu.ShareDataHeader.ShareID, parsed.ShareDataHeader.ShareID)
		})
	}
}

func TestDataPDUDeactivateAll(t *testing.T) {
	header := ShareControlHeader{
		TotalLength: 6,
		PDUType:     TypeDeactivateAll | 0x0010,
		PDUSource:   1002,
	}

	var parsed Data

	require.ErrorIs(t, parsed.Deserialize(bytes.NewReader(header.Serialize())), ErrDeactivateAll)
}

func TestInputPDUKeystrokes(t *testing.T) {
	events := []SlowPathInputEvent{
		{MessageType: InputEventScanCode, KeyboardFlags: KbdFlagsDown, KeyCode: 0x23},
		{MessageType: InputEventScanCode, KeyboardFlags: KbdFlagsRelease, KeyCode: 0x23},
		{MessageType: InputEventUnicode, KeyCode: 'h'},
	}

	pdu := NewInput(0x000103EA, 1007, events)

	var parsed Data

	require.NoError(t, parsed.Deserialize(bytes.NewReader(pdu.Serialize())))
	require.NotNil(t, parsed.InputPDUData)
	require.Len(t, parsed.InputPDUData.Events, 3)

	first := parsed.InputPDUData.Events[0]
	require.True(t, first.IsKeyboard())
	require.False(t, first.IsRelease())
	require.Equal(t, uint16(0x23), first.KeyCode)

	second := parsed.InputPDUData.Events[1]
	require.True(t, second.IsRelease())

	third := parsed.InputPDUData.Events[2]
	require.True(t, third.IsUnicode())
	require.Equal(t, uint16('h'), third.KeyCode)
}

func TestErrorInfoPDUData(t *testing.T) {
	testCases := []struct {
		name      string
		errorCode uint32
		want      string
	}{
		{"logoff by user", 0x0000000C, "LOGOFF_BY_USER"},
		{"idle timeout", 0x00000003, "IDLE_TIMEOUT"},
		{"unknown", 0xDEADBEEF, "0xDEADBEEF"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wire := []byte{
				byte(tc.errorCode), byte(tc.errorCode >> 8),
				byte(tc.errorCode >> 16), byte(tc.errorCode >> 24),
			}

			var data ErrorInfoPDUData

			require.NoError(t, data.Deserialize(bytes.NewReader(wire)))
			require.Equal(t, tc.errorCode, data.ErrorInfo)
			require.Equal(t, tc.want, data.String())
		})
	}
}

func TestLicenseSuccessRoundtrip(t *testing.T) {
	success := NewLicenseSuccess()
	wire := success.Serialize()

	require.Equal(t, int(success.Preamble.MsgSize), len(wire))

	var parsed ServerLicenseError

	require.NoError(t, parsed.Deserialize(bytes.NewReader(wire)))
	require.True(t, parsed.IsValidClient())
	require.Equal(t, LicenseStateNoTransition, parsed.ValidClientMessage.StateTransition)
}
