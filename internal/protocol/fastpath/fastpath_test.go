package fastpath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInputRoundtrip(t *testing.T) {
	testCases := []struct {
		name   string
		events []InputEvent
	}{
		{
			name: "keystroke pair",
			events: []InputEvent{
				NewScanCodeEvent(0, 0x1E),
				NewScanCodeEvent(KBDFlagsRelease, 0x1E),
			},
		},
		{
			name: "unicode",
			events: []InputEvent{
				NewUnicodeEvent(0, 'q'),
				NewUnicodeEvent(KBDFlagsRelease, 'q'),
			},
		},
		{
			name: "mouse move and click",
			events: []InputEvent{
				NewMouseEvent(0x0800, 512, 384),
				NewMouseEvent(0x9000, 512, 384),
			},
		},
		{
			name:   "synchronize",
			events: []InputEvent{NewSynchronizeEvent(0x04)},
		},
		{
			name: "mixed",
			events: []InputEvent{
				NewScanCodeEvent(KBDFlagsExtended, 0x48),
				NewMouseEvent(0x0800, 1, 2),
				{Code: EventCodeQoETimestamp, Timestamp: 123456},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			input := &Input{Events: tc.events}
			header, body := input.Serialize()

			require.Equal(t, ActionFastPath, HeaderAction(header))
			require.Equal(t, len(tc.events), HeaderNumEvents(header))

			parsed, err := ParseInput(header, body)
			require.NoError(t, err)
			require.Equal(t, tc.events, parsed.Events)
		})
	}
}

func TestInputManyEventsUseCountByte(t *testing.T) {
	events := make([]InputEvent, 20)
	for i := range events {
		events[i] = NewScanCodeEvent(0, uint8(i))
	}

	input := &Input{Events: events}
	header, body := input.Serialize()

	// count does not fit the header nibble
	require.Zero(t, HeaderNumEvents(header))
	require.Equal(t, byte(20), body[0])

	parsed, err := ParseInput(header, body)
	require.NoError(t, err)
	require.Len(t, parsed.Events, 20)
	require.Equal(t, events, parsed.Events)
}

func TestParseInputTruncated(t *testing.T) {
	header, body := (&Input{Events: []InputEvent{NewMouseEvent(0x0800, 9, 9)}}).Serialize()

	_, err := ParseInput(header, body[:3])
	require.ErrorIs(t, err, ErrShortEvent)
}

func TestInputHeaderFlags(t *testing.T) {
	header := MakeInputHeader(2, FlagEncrypted)

	require.Equal(t, FlagEncrypted, HeaderFlags(header))
	require.Equal(t, 2, HeaderNumEvents(header))
	require.Equal(t, ActionFastPath, HeaderAction(header))
}

func TestOutputRoundtrip(t *testing.T) {
	updates := []OutputUpdate{
		{Code: UpdateTypeOrders, Data: []byte{0x01, 0x02, 0x03}},
		{Code: UpdateTypeBitmap, Fragmentation: 1, Data: make([]byte, 300)},
		{Code: UpdateTypePtrNull, Data: []byte{}},
	}

	var body []byte
	for i := range updates {
		body = append(body, updates[i].Serialize()...)
	}

	parsed, err := ParseOutput(body)
	require.NoError(t, err)
	require.Len(t, parsed, 3)

	for i := range updates {
		require.Equal(t, updates[i].Code, parsed[i].Code)
		require.Equal(t, updates[i].Fragmentation, parsed[i].Fragmentation)
		require.Equal(t, updates[i].Data, parsed[i].Data)
	}
}

func TestOutputCompressedCarriesFlags(t *testing.T) {
	update := OutputUpdate{
		Code:             UpdateTypeBitmap,
		Compression:      updateCompressionUsed,
		CompressionFlags: 0x21,
		Data:             []byte{0xAA, 0xBB},
	}

	parsed, err := ParseOutput(update.Serialize())
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	require.Equal(t, uint8(0x21), parsed[0].CompressionFlags)
	require.Equal(t, update.Data, parsed[0].Data)
}

func TestParseOutputTruncated(t *testing.T) {
	update := OutputUpdate{Code: UpdateTypeOrders, Data: make([]byte, 64)}
	wire := update.Serialize()

	_, err := ParseOutput(wire[:10])
	require.ErrorIs(t, err, ErrShortEvent)
}
