package pdu

import (
	"bytes"
	"encoding/binary"
	"io"
)

// MessageType represents the type of synchronization message.
type MessageType uint16

const (
	// MessageTypeSync indicates a synchronization message.
	MessageTypeSync MessageType = 1
)

// ServerChannelID is the MCS channel ID of the server user (IO channel owner).
const ServerChannelID uint16 = 1002

// SynchronizePDUData represents the TS_SYNCHRONIZE_PDU structure (MS-RDPBCGR 2.2.1.14).
type SynchronizePDUData struct {
	MessageType MessageType
	TargetUser  uint16
}

// NewSynchronize creates a Synchronize PDU (MS-RDPBCGR 2.2.1.14).
func NewSynchronize(shareID uint32, userID uint16) *Data {
	return &Data{
		ShareDataHeader: *newShareDataHeader(shareID, userID, TypeData, Type2Synchronize),
		SynchronizePDUData: &SynchronizePDUData{
			MessageType: MessageTypeSync,
			TargetUser:  ServerChannelID,
		},
	}
}

// Serialize encodes the PDU data to wire format.
func (pdu *SynchronizePDUData) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, uint16(pdu.MessageType))
	_ = binary.Write(buf, binary.LittleEndian, pdu.TargetUser)

	return buf.Bytes()
}

// Deserialize decodes the PDU data from wire format.
func (pdu *SynchronizePDUData) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &pdu.MessageType); err != nil {
		return err
	}

	return binary.Read(wire, binary.LittleEndian, &pdu.TargetUser)
}

// ControlAction represents the action field in a Control PDU (MS-RDPBCGR 2.2.1.15).
type ControlAction uint16

const (
	// ControlActionRequestControl CTRLACTION_REQUEST_CONTROL
	ControlActionRequestControl ControlAction = 0x0001

	// ControlActionGrantedControl CTRLACTION_GRANTED_CONTROL
	ControlActionGrantedControl ControlAction = 0x0002

	// ControlActionDetach CTRLACTION_DETACH
	ControlActionDetach ControlAction = 0x0003

	// ControlActionCooperate CTRLACTION_COOPERATE
	ControlActionCooperate ControlAction = 0x0004
)

// ControlPDUData represents the TS_CONTROL_PDU structure (MS-RDPBCGR 2.2.1.15).
type ControlPDUData struct {
	Action    ControlAction
	GrantID   uint16
	ControlID uint32
}

// NewControl creates a Control PDU (MS-RDPBCGR 2.2.1.15).
func NewControl(shareID uint32, userID uint16, action ControlAction) *Data {
	return &Data{
		ShareDataHeader: *newShareDataHeader(shareID, userID, TypeData, Type2Control),
		ControlPDUData: &ControlPDUData{
			Action: action,
		},
	}
}

// Serialize encodes the PDU data to wire format.
func (pdu *ControlPDUData) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, uint16(pdu.Action))
	_ = binary.Write(buf, binary.LittleEndian, pdu.GrantID)
	_ = binary.Write(buf, binary.LittleEndian, pdu.ControlID)

	return buf.Bytes()
}

// Deserialize decodes the PDU data from wire format.
func (pdu *ControlPDUData) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &pdu.Action); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &pdu.GrantID); err != nil {
		return err
	}

	return binary.Read(wire, binary.LittleEndian, &pdu.ControlID)
}

// FontListPDUData represents the TS_FONT_LIST_PDU structure (MS-RDPBCGR 2.2.1.18).
type FontListPDUData struct{}

// NewFontList creates a Client Font List PDU (MS-RDPBCGR 2.2.1.18).
func NewFontList(shareID uint32, userID uint16) *Data {
	return &Data{
		ShareDataHeader: *newShareDataHeader(shareID, userID, TypeData, Type2Fontlist),
		FontListPDUData: &FontListPDUData{},
	}
}

// Serialize encodes the PDU data to wire format.
func (pdu *FontListPDUData) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, uint16(0x0000)) // numberFonts
	_ = binary.Write(buf, binary.LittleEndian, uint16(0x0000)) // totalNumFonts
	_ = binary.Write(buf, binary.LittleEndian, uint16(0x0003)) // listFlags = FONTLIST_FIRST | FONTLIST_LAST
	_ = binary.Write(buf, binary.LittleEndian, uint16(0x0032)) // entrySize
	return buf.Bytes()
}

// Deserialize decodes the PDU data from wire format.
func (pdu *FontListPDUData) Deserialize(wire io.Reader) error {
	fields := make([]uint16, 4)

	return binary.Read(wire, binary.LittleEndian, &fields)
}

// FontMapPDUData represents the TS_FONT_MAP_PDU structure (MS-RDPBCGR 2.2.1.22).
type FontMapPDUData struct{}

// NewFontMap creates a Server Font Map PDU (MS-RDPBCGR 2.2.1.22).
func NewFontMap(shareID uint32, userID uint16) *Data {
	return &Data{
		ShareDataHeader: *newShareDataHeader(shareID, userID, TypeData, Type2Fontmap),
		FontMapPDUData:  &FontMapPDUData{},
	}
}

// Serialize encodes the PDU data to wire format.
func (pdu *FontMapPDUData) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, uint16(0x0000)) // numberEntries
	_ = binary.Write(buf, binary.LittleEndian, uint16(0x0000)) // totalNumEntries
	_ = binary.Write(buf, binary.LittleEndian, uint16(0x0003)) // mapFlags = FONTMAP_FIRST | FONTMAP_LAST
	_ = binary.Write(buf, binary.LittleEndian, uint16(0x0004)) // entrySize

	return buf.Bytes()
}

// Deserialize decodes the PDU data from wire format.
func (pdu *FontMapPDUData) Deserialize(wire io.Reader) error {
	fields := make([]uint16, 4)

	return binary.Read(wire, binary.LittleEndian, &fields)
}
