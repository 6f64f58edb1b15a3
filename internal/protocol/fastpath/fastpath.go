// Package fastpath implements the fast-path input and output PDU bodies
// specified in MS-RDPBCGR 2.2.8.1.2 and 2.2.9.1.2. The outer header and
// length prefix are handled by the framing package; this package decodes the
// event and update streams carried inside.
package fastpath

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Header byte accessors. The fast-path header byte carries the action in the
// two low bits, the input event count in the middle four, and the security
// flags in the two high bits.
const (
	ActionFastPath uint8 = 0x0
	ActionX224     uint8 = 0x3

	FlagSecureChecksum uint8 = 0x1
	FlagEncrypted      uint8 = 0x2
)

// HeaderAction extracts the action bits from a fast-path header byte.
func HeaderAction(header byte) uint8 {
	return header & 0x03
}

// HeaderFlags extracts the security flag bits from a fast-path header byte.
func HeaderFlags(header byte) uint8 {
	return header >> 6
}

// HeaderNumEvents extracts the embedded event count from an input header
// byte. Zero means the count follows as a separate byte.
func HeaderNumEvents(header byte) int {
	return int(header>>2) & 0x0F
}

// MakeInputHeader builds an input header byte.
func MakeInputHeader(numEvents int, flags uint8) byte {
	if numEvents > 0x0F {
		numEvents = 0
	}

	return ActionFastPath | byte(numEvents)<<2 | flags<<6 // #nosec G115
}

// EventCode identifies a fast-path input event type (MS-RDPBCGR 2.2.8.1.2.2).
type EventCode uint8

const (
	// EventCodeScanCode FASTPATH_INPUT_EVENT_SCANCODE
	EventCodeScanCode EventCode = 0

	// EventCodeMouse FASTPATH_INPUT_EVENT_MOUSE
	EventCodeMouse EventCode = 1

	// EventCodeMouseX FASTPATH_INPUT_EVENT_MOUSEX
	EventCodeMouseX EventCode = 2

	// EventCodeSync FASTPATH_INPUT_EVENT_SYNC
	EventCodeSync EventCode = 3

	// EventCodeUnicode FASTPATH_INPUT_EVENT_UNICODE
	EventCodeUnicode EventCode = 4

	// EventCodeQoETimestamp FASTPATH_INPUT_EVENT_QOE_TIMESTAMP
	EventCodeQoETimestamp EventCode = 6
)

// Fast-path keyboard event flags.
const (
	// KBDFlagsRelease FASTPATH_INPUT_KBDFLAGS_RELEASE
	KBDFlagsRelease uint8 = 0x01

	// KBDFlagsExtended FASTPATH_INPUT_KBDFLAGS_EXTENDED
	KBDFlagsExtended uint8 = 0x02

	// KBDFlagsExtended1 FASTPATH_INPUT_KBDFLAGS_EXTENDED1
	KBDFlagsExtended1 uint8 = 0x04
)

// ErrShortEvent indicates a truncated fast-path input event stream.
var ErrShortEvent = errors.New("short fast-path event")

// InputEvent represents one fast-path input event. The event header packs
// the flags into the five low bits and the code into the three high bits.
type InputEvent struct {
	Flags uint8
	Code  EventCode

	// scancode events
	KeyCode uint8

	// unicode events
	UnicodeCode uint16

	// mouse and extended mouse events
	PointerFlags uint16
	XPos         uint16
	YPos         uint16

	// QoE events
	Timestamp uint32
}

// IsRelease returns true if a keyboard event is a key release.
func (e *InputEvent) IsRelease() bool {
	return e.Flags&KBDFlagsRelease == KBDFlagsRelease
}

// IsExtendedKey reports the KBDFLAGS_EXTENDED flag.
func (e *InputEvent) IsExtendedKey() bool {
	return e.Flags&KBDFlagsExtended == KBDFlagsExtended
}

// NewScanCodeEvent creates a keyboard scancode input event.
func NewScanCodeEvent(flags uint8, keyCode uint8) InputEvent {
	return InputEvent{
		Flags:   flags,
		Code:    EventCodeScanCode,
		KeyCode: keyCode,
	}
}

// NewUnicodeEvent creates a unicode keyboard input event.
func NewUnicodeEvent(flags uint8, code uint16) InputEvent {
	return InputEvent{
		Flags:       flags,
		Code:        EventCodeUnicode,
		UnicodeCode: code,
	}
}

// NewMouseEvent creates a mouse input event.
func NewMouseEvent(pointerFlags, xPos, yPos uint16) InputEvent {
	return InputEvent{
		Code:         EventCodeMouse,
		PointerFlags: pointerFlags,
		XPos:         xPos,
		YPos:         yPos,
	}
}

// NewSynchronizeEvent creates a lock-key synchronize input event.
func NewSynchronizeEvent(flags uint8) InputEvent {
	return InputEvent{
		Flags: flags,
		Code:  EventCodeSync,
	}
}

func (e *InputEvent) bodyLen() int {
	switch e.Code {
	case EventCodeScanCode:
		return 1
	case EventCodeUnicode:
		return 2
	case EventCodeMouse, EventCodeMouseX:
		return 6
	case EventCodeQoETimestamp:
		return 4
	default:
		return 0
	}
}

// Serialize encodes the event to wire format.
func (e *InputEvent) Serialize() []byte {
	buf := new(bytes.Buffer)

	buf.WriteByte(e.Flags&0x1F | uint8(e.Code)<<5)

	switch e.Code {
	case EventCodeScanCode:
		buf.WriteByte(e.KeyCode)
	case EventCodeUnicode:
		_ = binary.Write(buf, binary.LittleEndian, e.UnicodeCode)
	case EventCodeMouse, EventCodeMouseX:
		_ = binary.Write(buf, binary.LittleEndian, e.PointerFlags)
		_ = binary.Write(buf, binary.LittleEndian, e.XPos)
		_ = binary.Write(buf, binary.LittleEndian, e.YPos)
	case EventCodeQoETimestamp:
		_ = binary.Write(buf, binary.LittleEndian, e.Timestamp)
	case EventCodeSync: // header only
	}

	return buf.Bytes()
}

// Input represents a decoded fast-path input PDU body.
type Input struct {
	Flags  uint8 // security flags from the header byte
	Events []InputEvent
}

// ParseInput decodes the input events from a fast-path PDU. The header is the
// PDU's first byte and body is everything after the length prefix, already
// decrypted if the security flags demand it.
func ParseInput(header byte, body []byte) (*Input, error) {
	input := &Input{Flags: HeaderFlags(header)}

	numEvents := HeaderNumEvents(header)

	if numEvents == 0 && len(body) > 0 {
		numEvents = int(body[0])
		body = body[1:]
	}

	for i := 0; i < numEvents; i++ {
		if len(body) < 1 {
			return nil, ErrShortEvent
		}

		event := InputEvent{
			Flags: body[0] & 0x1F,
			Code:  EventCode(body[0] >> 5),
		}
		body = body[1:]

		need := event.bodyLen()
		if len(body) < need {
			return nil, ErrShortEvent
		}

		switch event.Code {
		case EventCodeScanCode:
			event.KeyCode = body[0]
		case EventCodeUnicode:
			event.UnicodeCode = binary.LittleEndian.Uint16(body)
		case EventCodeMouse, EventCodeMouseX:
			event.PointerFlags = binary.LittleEndian.Uint16(body[0:])
			event.XPos = binary.LittleEndian.Uint16(body[2:])
			event.YPos = binary.LittleEndian.Uint16(body[4:])
		case EventCodeQoETimestamp:
			event.Timestamp = binary.LittleEndian.Uint32(body)
		case EventCodeSync: // header only
		default:
			return nil, fmt.Errorf("unknown fast-path event code %d", event.Code)
		}

		body = body[need:]
		input.Events = append(input.Events, event)
	}

	return input, nil
}

// Serialize encodes the input events and returns the header byte and body,
// ready for framing.
func (in *Input) Serialize() (byte, []byte) {
	buf := new(bytes.Buffer)

	if len(in.Events) > 0x0F {
		buf.WriteByte(byte(len(in.Events))) // #nosec G115
	}

	for i := range in.Events {
		buf.Write(in.Events[i].Serialize())
	}

	return MakeInputHeader(len(in.Events), in.Flags), buf.Bytes()
}

// Fast-path update codes (MS-RDPBCGR 2.2.9.1.2.1).
const (
	UpdateTypeOrders      uint8 = 0x0
	UpdateTypeBitmap      uint8 = 0x1
	UpdateTypePalette     uint8 = 0x2
	UpdateTypeSynchronize uint8 = 0x3
	UpdateTypeSurfCmds    uint8 = 0x4
	UpdateTypePtrNull     uint8 = 0x5
	UpdateTypePtrDefault  uint8 = 0x6
	UpdateTypePtrPosition uint8 = 0x8
	UpdateTypeColor       uint8 = 0x9
	UpdateTypeCached      uint8 = 0xA
	UpdateTypePointer     uint8 = 0xB
)

const updateCompressionUsed uint8 = 0x2

// OutputUpdate represents one TS_FP_UPDATE (MS-RDPBCGR 2.2.9.1.2.1). The
// update payload is carried raw.
type OutputUpdate struct {
	Code             uint8
	Fragmentation    uint8
	Compression      uint8
	CompressionFlags uint8
	Data             []byte
}

// ParseOutput splits a fast-path output body into its updates. The body must
// already be decrypted.
func ParseOutput(body []byte) ([]OutputUpdate, error) {
	var updates []OutputUpdate

	for len(body) > 0 {
		if len(body) < 3 {
			return nil, ErrShortEvent
		}

		update := OutputUpdate{
			Code:          body[0] & 0x0F,
			Fragmentation: (body[0] >> 4) & 0x03,
			Compression:   body[0] >> 6,
		}
		body = body[1:]

		if update.Compression&updateCompressionUsed != 0 {
			update.CompressionFlags = body[0]
			body = body[1:]
		}

		if len(body) < 2 {
			return nil, ErrShortEvent
		}

		size := int(binary.LittleEndian.Uint16(body))
		body = body[2:]

		if len(body) < size {
			return nil, ErrShortEvent
		}

		update.Data = body[:size]
		body = body[size:]

		updates = append(updates, update)
	}

	return updates, nil
}

// Serialize encodes the update to wire format.
func (u *OutputUpdate) Serialize() []byte {
	buf := new(bytes.Buffer)

	buf.WriteByte(u.Code&0x0F | (u.Fragmentation&0x03)<<4 | u.Compression<<6)

	if u.Compression&updateCompressionUsed != 0 {
		buf.WriteByte(u.CompressionFlags)
	}

	_ = binary.Write(buf, binary.LittleEndian, uint16(len(u.Data))) // #nosec G115
	buf.Write(u.Data)

	return buf.Bytes()
}
