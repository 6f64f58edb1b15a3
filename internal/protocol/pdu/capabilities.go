package pdu

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Capability set types (MS-RDPBCGR 2.2.1.13.1.1.1).
const (
	CapabilitySetTypeGeneral        uint16 = 0x0001
	CapabilitySetTypeBitmap         uint16 = 0x0002
	CapabilitySetTypeOrder          uint16 = 0x0003
	CapabilitySetTypePointer        uint16 = 0x0008
	CapabilitySetTypeInput          uint16 = 0x000D
	CapabilitySetTypeSound          uint16 = 0x000C
	CapabilitySetTypeVirtualChannel uint16 = 0x0014
	CapabilitySetTypeMultifragment  uint16 = 0x001A
)

// Input capability flags (MS-RDPBCGR 2.2.7.1.6).
const (
	InputFlagScancodes uint16 = 0x0001
	InputFlagMouseX    uint16 = 0x0004
	InputFlagFastPath  uint16 = 0x0008
	InputFlagUnicode   uint16 = 0x0010
	InputFlagFastPath2 uint16 = 0x0020
)

// CapabilitySet is one TS_CAPS_SET carried raw. The relay inspects a few set
// types but forwards every set it does not understand unchanged.
type CapabilitySet struct {
	Type uint16
	Data []byte
}

// Serialize encodes the capability set with its header.
func (s CapabilitySet) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, s.Type)
	_ = binary.Write(buf, binary.LittleEndian, uint16(4+len(s.Data))) // #nosec G115
	buf.Write(s.Data)

	return buf.Bytes()
}

func readCapabilitySets(wire io.Reader, count uint16) ([]CapabilitySet, error) {
	sets := make([]CapabilitySet, 0, count)

	for i := uint16(0); i < count; i++ {
		var (
			setType uint16
			length  uint16
		)

		if err := binary.Read(wire, binary.LittleEndian, &setType); err != nil {
			return nil, err
		}

		if err := binary.Read(wire, binary.LittleEndian, &length); err != nil {
			return nil, err
		}

		if length < 4 {
			return nil, ErrShortUserData
		}

		data := make([]byte, length-4)

		if _, err := io.ReadFull(wire, data); err != nil {
			return nil, err
		}

		sets = append(sets, CapabilitySet{Type: setType, Data: data})
	}

	return sets, nil
}

func serializeCapabilitySets(sets []CapabilitySet) []byte {
	buf := new(bytes.Buffer)

	for _, set := range sets {
		buf.Write(set.Serialize())
	}

	return buf.Bytes()
}

func findCapabilitySet(sets []CapabilitySet, setType uint16) *CapabilitySet {
	for i := range sets {
		if sets[i].Type == setType {
			return &sets[i]
		}
	}

	return nil
}

// BitmapSummary describes the session geometry negotiated in the bitmap
// capability set.
type BitmapSummary struct {
	PreferredBitsPerPixel uint16
	DesktopWidth          uint16
	DesktopHeight         uint16
}

func bitmapSummary(sets []CapabilitySet) (BitmapSummary, bool) {
	set := findCapabilitySet(sets, CapabilitySetTypeBitmap)
	if set == nil || len(set.Data) < 12 {
		return BitmapSummary{}, false
	}

	return BitmapSummary{
		PreferredBitsPerPixel: binary.LittleEndian.Uint16(set.Data[0:]),
		DesktopWidth:          binary.LittleEndian.Uint16(set.Data[8:]),
		DesktopHeight:         binary.LittleEndian.Uint16(set.Data[10:]),
	}, true
}

func supportsFastPathInput(sets []CapabilitySet) bool {
	set := findCapabilitySet(sets, CapabilitySetTypeInput)
	if set == nil || len(set.Data) < 2 {
		return false
	}

	flags := binary.LittleEndian.Uint16(set.Data[0:])

	return flags&(InputFlagFastPath|InputFlagFastPath2) != 0
}

// DemandActive represents the TS_DEMAND_ACTIVE_PDU body after the share
// control header (MS-RDPBCGR 2.2.1.13.1).
type DemandActive struct {
	ShareID          uint32
	SourceDescriptor []byte
	CapabilitySets   []CapabilitySet
	SessionID        uint32
}

// BitmapSummary returns the session geometry, if a bitmap set is present.
func (pdu *DemandActive) BitmapSummary() (BitmapSummary, bool) {
	return bitmapSummary(pdu.CapabilitySets)
}

// Deserialize decodes the PDU body from wire format.
func (pdu *DemandActive) Deserialize(wire io.Reader) error {
	var (
		lengthSourceDescriptor     uint16
		lengthCombinedCapabilities uint16
		numberCapabilities         uint16
		pad                        uint16
	)

	if err := binary.Read(wire, binary.LittleEndian, &pdu.ShareID); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &lengthSourceDescriptor); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &lengthCombinedCapabilities); err != nil {
		return err
	}

	pdu.SourceDescriptor = make([]byte, lengthSourceDescriptor)

	if _, err := io.ReadFull(wire, pdu.SourceDescriptor); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &numberCapabilities); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &pad); err != nil {
		return err
	}

	sets, err := readCapabilitySets(wire, numberCapabilities)
	if err != nil {
		return err
	}

	pdu.CapabilitySets = sets

	// sessionId is absent from some server implementations
	if err := binary.Read(wire, binary.LittleEndian, &pdu.SessionID); err != nil && err != io.EOF {
		return err
	}

	return nil
}

// Serialize encodes the PDU body to wire format.
func (pdu *DemandActive) Serialize() []byte {
	sets := serializeCapabilitySets(pdu.CapabilitySets)

	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, pdu.ShareID)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(pdu.SourceDescriptor))) // #nosec G115
	_ = binary.Write(buf, binary.LittleEndian, uint16(4+len(sets)))               // #nosec G115
	buf.Write(pdu.SourceDescriptor)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(pdu.CapabilitySets))) // #nosec G115
	_ = binary.Write(buf, binary.LittleEndian, uint16(0))                       // pad2Octets
	buf.Write(sets)
	_ = binary.Write(buf, binary.LittleEndian, pdu.SessionID)

	return buf.Bytes()
}

// ConfirmActive represents the TS_CONFIRM_ACTIVE_PDU body after the share
// control header (MS-RDPBCGR 2.2.1.13.2).
type ConfirmActive struct {
	ShareID          uint32
	OriginatorID     uint16
	SourceDescriptor []byte
	CapabilitySets   []CapabilitySet
}

// BitmapSummary returns the session geometry, if a bitmap set is present.
func (pdu *ConfirmActive) BitmapSummary() (BitmapSummary, bool) {
	return bitmapSummary(pdu.CapabilitySets)
}

// SupportsFastPathInput reports whether the client advertised fast-path input.
func (pdu *ConfirmActive) SupportsFastPathInput() bool {
	return supportsFastPathInput(pdu.CapabilitySets)
}

// Deserialize decodes the PDU body from wire format.
func (pdu *ConfirmActive) Deserialize(wire io.Reader) error {
	var (
		lengthSourceDescriptor     uint16
		lengthCombinedCapabilities uint16
		numberCapabilities         uint16
		pad                        uint16
	)

	if err := binary.Read(wire, binary.LittleEndian, &pdu.ShareID); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &pdu.OriginatorID); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &lengthSourceDescriptor); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &lengthCombinedCapabilities); err != nil {
		return err
	}

	pdu.SourceDescriptor = make([]byte, lengthSourceDescriptor)

	if _, err := io.ReadFull(wire, pdu.SourceDescriptor); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &numberCapabilities); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &pad); err != nil {
		return err
	}

	sets, err := readCapabilitySets(wire, numberCapabilities)
	if err != nil {
		return err
	}

	pdu.CapabilitySets = sets

	return nil
}

// Serialize encodes the PDU body to wire format.
func (pdu *ConfirmActive) Serialize() []byte {
	sets := serializeCapabilitySets(pdu.CapabilitySets)

	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, pdu.ShareID)
	_ = binary.Write(buf, binary.LittleEndian, pdu.OriginatorID)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(pdu.SourceDescriptor))) // #nosec G115
	_ = binary.Write(buf, binary.LittleEndian, uint16(4+len(sets)))               // #nosec G115
	buf.Write(pdu.SourceDescriptor)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(pdu.CapabilitySets))) // #nosec G115
	_ = binary.Write(buf, binary.LittleEndian, uint16(0))                       // pad2Octets
	buf.Write(sets)

	return buf.Bytes()
}
