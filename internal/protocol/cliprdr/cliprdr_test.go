package cliprdr

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-relay/internal/protocol/encoding"
)

func buildFormatList(formats []Format) *Message {
	var body []byte

	for _, f := range formats {
		id := make([]byte, 4)
		binary.LittleEndian.PutUint32(id, f.ID)
		body = append(body, id...)
		body = append(body, encoding.EncodeUTF16(f.Name)...)
		body = append(body, 0x00, 0x00)
	}

	return &Message{Header: Header{MsgType: MsgTypeFormatList}, Body: body}
}

func TestParseMessageRoundtrip(t *testing.T) {
	msg := &Message{
		Header: Header{MsgType: MsgTypeFormatDataResponse, MsgFlags: FlagResponseOK},
		Body:   []byte{0x01, 0x02, 0x03},
	}

	wire := msg.Serialize()
	require.Equal(t, uint32(3), msg.Header.DataLen)

	decoded, err := ParseMessage(wire)
	require.NoError(t, err)
	require.Equal(t, msg.Header, decoded.Header)
	require.Equal(t, msg.Body, decoded.Body)
}

func TestParseMessageShort(t *testing.T) {
	_, err := ParseMessage([]byte{0x01})
	require.ErrorIs(t, err, ErrShortMessage)

	// header claims more data than present
	header := Header{MsgType: MsgTypeFormatList, DataLen: 100}
	_, err = ParseMessage(header.Serialize())
	require.ErrorIs(t, err, ErrShortMessage)
}

func TestParseFormatList(t *testing.T) {
	msg := buildFormatList([]Format{
		{ID: FormatUnicodeText, Name: ""},
		{ID: 0xC001, Name: "HTML Format"},
	})

	formats, err := ParseFormatList(msg)
	require.NoError(t, err)
	require.Len(t, formats, 2)
	require.Equal(t, FormatUnicodeText, formats[0].ID)
	require.Equal(t, "HTML Format", formats[1].Name)
	require.True(t, ContainsText(formats))
}

func TestParseFormatListNoText(t *testing.T) {
	msg := buildFormatList([]Format{{ID: 0xC001, Name: "HTML Format"}})

	formats, err := ParseFormatList(msg)
	require.NoError(t, err)
	require.False(t, ContainsText(formats))
}

func TestDecodeEncodeText(t *testing.T) {
	tests := []struct {
		name     string
		formatID uint32
		text     string
	}{
		{name: "unicode", formatID: FormatUnicodeText, text: "hello clipboard"},
		{name: "ansi", formatID: FormatText, text: "plain"},
		{name: "unicode non-ascii", formatID: FormatUnicodeText, text: "héllo"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body, err := EncodeText(tc.formatID, tc.text)
			require.NoError(t, err)

			text, err := DecodeText(tc.formatID, body)
			require.NoError(t, err)
			require.Equal(t, tc.text, text)
		})
	}

	_, err := EncodeText(0xC001, "x")
	require.Error(t, err)
}

func TestMonitorCapturesText(t *testing.T) {
	var monitor Monitor

	reqBody := make([]byte, 4)
	binary.LittleEndian.PutUint32(reqBody, FormatUnicodeText)

	event, err := monitor.Observe(&Message{
		Header: Header{MsgType: MsgTypeFormatDataRequest},
		Body:   reqBody,
	})
	require.NoError(t, err)
	require.Nil(t, event)

	format, pending := monitor.PendingFormat()
	require.True(t, pending)
	require.Equal(t, FormatUnicodeText, format)

	body, err := EncodeText(FormatUnicodeText, "secret paste")
	require.NoError(t, err)

	event, err = monitor.Observe(NewFormatDataResponse(body))
	require.NoError(t, err)
	require.NotNil(t, event)
	require.Equal(t, "secret paste", event.Text)

	_, pending = monitor.PendingFormat()
	require.False(t, pending)
}

func TestMonitorIgnoresNonText(t *testing.T) {
	var monitor Monitor

	reqBody := make([]byte, 4)
	binary.LittleEndian.PutUint32(reqBody, 0xC001)

	_, err := monitor.Observe(&Message{
		Header: Header{MsgType: MsgTypeFormatDataRequest},
		Body:   reqBody,
	})
	require.NoError(t, err)

	event, err := monitor.Observe(NewFormatDataResponse([]byte{0xDE, 0xAD}))
	require.NoError(t, err)
	require.Nil(t, event)
}

func TestMonitorIgnoresFailedResponse(t *testing.T) {
	var monitor Monitor

	reqBody := make([]byte, 4)
	binary.LittleEndian.PutUint32(reqBody, FormatText)

	_, err := monitor.Observe(&Message{
		Header: Header{MsgType: MsgTypeFormatDataRequest},
		Body:   reqBody,
	})
	require.NoError(t, err)

	event, err := monitor.Observe(&Message{
		Header: Header{MsgType: MsgTypeFormatDataResponse, MsgFlags: FlagResponseFail},
	})
	require.NoError(t, err)
	require.Nil(t, event)
}
