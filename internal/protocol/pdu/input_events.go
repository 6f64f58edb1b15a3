package pdu

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Slow-path input event message types (MS-RDPBCGR 2.2.8.1.1.3.1.1).
const (
	InputEventSync     uint16 = 0x0000
	InputEventUnused   uint16 = 0x0002
	InputEventScanCode uint16 = 0x0004
	InputEventUnicode  uint16 = 0x0005
	InputEventMouse    uint16 = 0x8001
	InputEventMouseX   uint16 = 0x8002
)

// Slow-path keyboard event flags (MS-RDPBCGR 2.2.8.1.1.3.1.1.1).
const (
	KbdFlagsExtended  uint16 = 0x0100
	KbdFlagsExtended1 uint16 = 0x0200
	KbdFlagsDown      uint16 = 0x4000
	KbdFlagsRelease   uint16 = 0x8000
)

// Mouse pointer flags (MS-RDPBCGR 2.2.8.1.1.3.1.1.3).
const (
	PTRFlagsWheelNegative uint16 = 0x0100
	PTRFlagsWheel         uint16 = 0x0200
	PTRFlagsHWheel        uint16 = 0x0400
	PTRFlagsMove          uint16 = 0x0800
	PTRFlagsButton1       uint16 = 0x1000
	PTRFlagsButton2       uint16 = 0x2000
	PTRFlagsButton3       uint16 = 0x4000
	PTRFlagsDown          uint16 = 0x8000
)

// SlowPathInputEvent represents one TS_INPUT_EVENT (MS-RDPBCGR 2.2.8.1.1.3.1.1).
// Every event body is six bytes; fields that do not apply to the message type
// are zero.
type SlowPathInputEvent struct {
	EventTime   uint32
	MessageType uint16

	// scancode and unicode events
	KeyboardFlags uint16
	KeyCode       uint16

	// mouse and extended mouse events
	PointerFlags uint16
	XPos         uint16
	YPos         uint16
}

// IsKeyboard returns true for scancode events.
func (e *SlowPathInputEvent) IsKeyboard() bool {
	return e.MessageType == InputEventScanCode
}

// IsUnicode returns true for unicode keyboard events.
func (e *SlowPathInputEvent) IsUnicode() bool {
	return e.MessageType == InputEventUnicode
}

// IsRelease returns true if the keyboard event is a key release.
func (e *SlowPathInputEvent) IsRelease() bool {
	return e.KeyboardFlags&KbdFlagsRelease == KbdFlagsRelease
}

// IsExtendedKey reports the KBDFLAGS_EXTENDED flag.
func (e *SlowPathInputEvent) IsExtendedKey() bool {
	return e.KeyboardFlags&KbdFlagsExtended == KbdFlagsExtended
}

// Deserialize decodes the event from wire format.
func (e *SlowPathInputEvent) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &e.EventTime); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &e.MessageType); err != nil {
		return err
	}

	body := make([]byte, 6)

	if _, err := io.ReadFull(wire, body); err != nil {
		return err
	}

	switch e.MessageType {
	case InputEventScanCode, InputEventUnicode:
		e.KeyboardFlags = binary.LittleEndian.Uint16(body[0:])
		e.KeyCode = binary.LittleEndian.Uint16(body[2:])
	case InputEventMouse, InputEventMouseX:
		e.PointerFlags = binary.LittleEndian.Uint16(body[0:])
		e.XPos = binary.LittleEndian.Uint16(body[2:])
		e.YPos = binary.LittleEndian.Uint16(body[4:])
	}

	return nil
}

// Serialize encodes the event to wire format.
func (e *SlowPathInputEvent) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, e.EventTime)
	_ = binary.Write(buf, binary.LittleEndian, e.MessageType)

	body := make([]byte, 6)

	switch e.MessageType {
	case InputEventScanCode, InputEventUnicode:
		binary.LittleEndian.PutUint16(body[0:], e.KeyboardFlags)
		binary.LittleEndian.PutUint16(body[2:], e.KeyCode)
	case InputEventMouse, InputEventMouseX:
		binary.LittleEndian.PutUint16(body[0:], e.PointerFlags)
		binary.LittleEndian.PutUint16(body[2:], e.XPos)
		binary.LittleEndian.PutUint16(body[4:], e.YPos)
	}

	buf.Write(body)

	return buf.Bytes()
}

// InputPDUData represents the TS_INPUT_PDU_DATA structure (MS-RDPBCGR 2.2.8.1.1.3).
type InputPDUData struct {
	Events []SlowPathInputEvent
}

// NewInput creates a slow-path Input Event PDU carrying the given events.
func NewInput(shareID uint32, userID uint16, events []SlowPathInputEvent) *Data {
	return &Data{
		ShareDataHeader: *newShareDataHeader(shareID, userID, TypeData, Type2Input),
		InputPDUData:    &InputPDUData{Events: events},
	}
}

// Deserialize decodes the PDU data from wire format.
func (pdu *InputPDUData) Deserialize(wire io.Reader) error {
	var (
		numEvents uint16
		padding   uint16
	)

	if err := binary.Read(wire, binary.LittleEndian, &numEvents); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &padding); err != nil {
		return err
	}

	pdu.Events = make([]SlowPathInputEvent, numEvents)

	for i := range pdu.Events {
		if err := pdu.Events[i].Deserialize(wire); err != nil {
			return err
		}
	}

	return nil
}

// Serialize encodes the PDU data to wire format.
func (pdu *InputPDUData) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, uint16(len(pdu.Events))) // #nosec G115
	_ = binary.Write(buf, binary.LittleEndian, uint16(0))               // padding

	for i := range pdu.Events {
		buf.Write(pdu.Events[i].Serialize())
	}

	return buf.Bytes()
}
