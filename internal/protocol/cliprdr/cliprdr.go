// Package cliprdr implements the clipboard virtual channel messages
// (MS-RDPECLIP) that the relay decodes. Clipboard text is captured in both
// directions and may be rewritten by hooks before forwarding; everything
// the package does not understand is forwarded opaquely by the caller.
package cliprdr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rcarmo/rdp-relay/internal/protocol/encoding"
)

// Message types (MS-RDPECLIP 2.2.1)
const (
	MsgTypeMonitorReady       uint16 = 0x0001
	MsgTypeFormatList         uint16 = 0x0002
	MsgTypeFormatListResponse uint16 = 0x0003
	MsgTypeFormatDataRequest  uint16 = 0x0004
	MsgTypeFormatDataResponse uint16 = 0x0005
	MsgTypeTempDirectory      uint16 = 0x0006
	MsgTypeCapabilities       uint16 = 0x0007
	MsgTypeFileContentsReq    uint16 = 0x0008
	MsgTypeFileContentsRsp    uint16 = 0x0009
	MsgTypeLockClipdata       uint16 = 0x000A
	MsgTypeUnlockClipdata     uint16 = 0x000B
)

// Message flags (MS-RDPECLIP 2.2.1)
const (
	FlagResponseOK   uint16 = 0x0001
	FlagResponseFail uint16 = 0x0002
	FlagASCIINames   uint16 = 0x0004
)

// Standard clipboard formats relevant to text capture.
const (
	FormatText        uint32 = 1  // CF_TEXT
	FormatUnicodeText uint32 = 13 // CF_UNICODETEXT
)

// CapsFlagLongFormatNames is the general capability bit for long format
// names (MS-RDPECLIP 2.2.2.1.1.1).
const CapsFlagLongFormatNames uint32 = 0x00000002

// ErrShortMessage indicates a clipboard message shorter than its header
// or declared data length.
var ErrShortMessage = errors.New("short clipboard message")

// Header is the CLIPRDR_HEADER preceding every clipboard message.
type Header struct {
	MsgType  uint16
	MsgFlags uint16
	DataLen  uint32
}

// Serialize encodes the header to wire format.
func (h *Header) Serialize() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], h.MsgType)
	binary.LittleEndian.PutUint16(buf[2:4], h.MsgFlags)
	binary.LittleEndian.PutUint32(buf[4:8], h.DataLen)

	return buf
}

// Message is a decoded clipboard message with its raw body.
type Message struct {
	Header Header
	Body   []byte
}

// ParseMessage splits a reassembled channel payload into header and body.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) < 8 {
		return nil, ErrShortMessage
	}

	msg := &Message{
		Header: Header{
			MsgType:  binary.LittleEndian.Uint16(data[0:2]),
			MsgFlags: binary.LittleEndian.Uint16(data[2:4]),
			DataLen:  binary.LittleEndian.Uint32(data[4:8]),
		},
	}

	if len(data)-8 < int(msg.Header.DataLen) {
		return nil, ErrShortMessage
	}

	msg.Body = data[8 : 8+msg.Header.DataLen]

	return msg, nil
}

// Serialize re-encodes the message, recomputing the data length.
func (m *Message) Serialize() []byte {
	m.Header.DataLen = uint32(len(m.Body)) // #nosec G115

	buf := new(bytes.Buffer)
	buf.Write(m.Header.Serialize())
	buf.Write(m.Body)

	return buf.Bytes()
}

// Format is one entry of a Format List PDU.
type Format struct {
	ID   uint32
	Name string
}

// ParseFormatList decodes the body of a Format List PDU. Long format names
// (MS-RDPECLIP 2.2.3.1.2) are assumed; both endpoints advertise the
// capability in every modern client.
func ParseFormatList(msg *Message) ([]Format, error) {
	if msg.Header.MsgType != MsgTypeFormatList {
		return nil, fmt.Errorf("not a format list: type %#04x", msg.Header.MsgType)
	}

	var formats []Format

	body := msg.Body
	for len(body) > 0 {
		if len(body) < 6 {
			return nil, ErrShortMessage
		}

		format := Format{ID: binary.LittleEndian.Uint32(body[0:4])}
		body = body[4:]

		// null-terminated UTF-16 name
		end := -1

		for i := 0; i+1 < len(body); i += 2 {
			if body[i] == 0 && body[i+1] == 0 {
				end = i

				break
			}
		}

		if end < 0 {
			return nil, ErrShortMessage
		}

		format.Name = encoding.DecodeUTF16(body[:end])
		body = body[end+2:]

		formats = append(formats, format)
	}

	return formats, nil
}

// ContainsText reports whether a format list advertises a text format the
// relay can capture.
func ContainsText(formats []Format) bool {
	for _, f := range formats {
		if f.ID == FormatText || f.ID == FormatUnicodeText {
			return true
		}
	}

	return false
}

// FormatDataRequest is the CLIPRDR_FORMAT_DATA_REQUEST body.
type FormatDataRequest struct {
	RequestedFormatID uint32
}

// ParseFormatDataRequest decodes a Format Data Request PDU.
func ParseFormatDataRequest(msg *Message) (*FormatDataRequest, error) {
	if msg.Header.MsgType != MsgTypeFormatDataRequest {
		return nil, fmt.Errorf("not a format data request: type %#04x", msg.Header.MsgType)
	}

	if len(msg.Body) < 4 {
		return nil, ErrShortMessage
	}

	return &FormatDataRequest{
		RequestedFormatID: binary.LittleEndian.Uint32(msg.Body[0:4]),
	}, nil
}

// DecodeText extracts clipboard text from a Format Data Response body for
// the given requested format.
func DecodeText(formatID uint32, body []byte) (string, error) {
	switch formatID {
	case FormatUnicodeText:
		return encoding.DecodeUTF16(body), nil
	case FormatText:
		return string(bytes.TrimRight(body, "\x00")), nil
	default:
		return "", fmt.Errorf("format %d is not text", formatID)
	}
}

// EncodeText rebuilds a Format Data Response body carrying text in the
// given format, including the null terminator.
func EncodeText(formatID uint32, text string) ([]byte, error) {
	switch formatID {
	case FormatUnicodeText:
		return append(encoding.EncodeUTF16(text), 0x00, 0x00), nil
	case FormatText:
		return append([]byte(text), 0x00), nil
	default:
		return nil, fmt.Errorf("format %d is not text", formatID)
	}
}

// NewFormatDataResponse builds a successful Format Data Response message.
func NewFormatDataResponse(body []byte) *Message {
	return &Message{
		Header: Header{
			MsgType:  MsgTypeFormatDataResponse,
			MsgFlags: FlagResponseOK,
		},
		Body: body,
	}
}

// Monitor tracks the request/response pairing on one clipboard channel so
// Format Data Response bodies can be interpreted. Requests flow one way and
// responses the other, so the relay feeds both directions into a single
// Monitor per session.
type Monitor struct {
	pendingFormat uint32
	pending       bool
}

// TextEvent is an observed clipboard transfer.
type TextEvent struct {
	FormatID uint32
	Text     string
}

// Observe inspects one decoded clipboard message and returns a TextEvent
// when the message completes a text transfer.
func (m *Monitor) Observe(msg *Message) (*TextEvent, error) {
	switch msg.Header.MsgType {
	case MsgTypeFormatDataRequest:
		req, err := ParseFormatDataRequest(msg)
		if err != nil {
			return nil, err
		}

		m.pendingFormat = req.RequestedFormatID
		m.pending = true

		return nil, nil
	case MsgTypeFormatDataResponse:
		if !m.pending || msg.Header.MsgFlags&FlagResponseOK == 0 {
			m.pending = false

			return nil, nil
		}

		m.pending = false

		if m.pendingFormat != FormatText && m.pendingFormat != FormatUnicodeText {
			return nil, nil
		}

		text, err := DecodeText(m.pendingFormat, msg.Body)
		if err != nil {
			return nil, err
		}

		return &TextEvent{FormatID: m.pendingFormat, Text: text}, nil
	default:
		return nil, nil
	}
}

// PendingFormat returns the format awaiting a response, if any.
func (m *Monitor) PendingFormat() (uint32, bool) {
	return m.pendingFormat, m.pending
}
