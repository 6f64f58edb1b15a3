package pdu

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Licensing preamble message types (MS-RDPELE 2.2.2.1).
const (
	LicenseMsgTypeRequest    uint8 = 0x01
	LicenseMsgTypePlatform   uint8 = 0x13
	LicenseMsgTypeNewLicense uint8 = 0x03
	LicenseMsgTypeErrorAlert uint8 = 0xFF
)

const licensePreambleVersion30 uint8 = 0x03

// Licensing error codes and state transitions (MS-RDPELE 2.2.2.7.1).
const (
	LicenseErrorCodeValidClient uint32 = 0x00000007
	LicenseStateNoTransition    uint32 = 0x00000002
	licenseBlobTypeError        uint16 = 0x0004
)

// LicensingBinaryBlob represents a LICENSE_BINARY_BLOB structure (MS-RDPELE 2.2.2.4).
type LicensingBinaryBlob struct {
	BlobType uint16
	BlobData []byte
}

// Deserialize reads a LICENSE_BINARY_BLOB from wire.
func (b *LicensingBinaryBlob) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &b.BlobType); err != nil {
		return err
	}

	var blobLen uint16

	if err := binary.Read(wire, binary.LittleEndian, &blobLen); err != nil {
		return err
	}

	if blobLen == 0 {
		return nil
	}

	b.BlobData = make([]byte, blobLen)

	if _, err := io.ReadFull(wire, b.BlobData); err != nil {
		return err
	}

	return nil
}

// Serialize writes the LICENSE_BINARY_BLOB to wire format.
func (b *LicensingBinaryBlob) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, b.BlobType)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(b.BlobData))) // #nosec G115
	buf.Write(b.BlobData)

	return buf.Bytes()
}

// LicensingErrorMessage represents a LICENSE_ERROR_MESSAGE structure (MS-RDPELE 2.2.1.12).
type LicensingErrorMessage struct {
	ErrorCode       uint32
	StateTransition uint32
	ErrorInfo       LicensingBinaryBlob
}

// Deserialize reads a LICENSE_ERROR_MESSAGE from wire.
func (m *LicensingErrorMessage) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &m.ErrorCode); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &m.StateTransition); err != nil {
		return err
	}

	return m.ErrorInfo.Deserialize(wire)
}

// Serialize writes the LICENSE_ERROR_MESSAGE to wire format.
func (m *LicensingErrorMessage) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, m.ErrorCode)
	_ = binary.Write(buf, binary.LittleEndian, m.StateTransition)
	buf.Write(m.ErrorInfo.Serialize())

	return buf.Bytes()
}

// LicensingPreamble represents a LICENSE_PREAMBLE structure (MS-RDPELE 2.2.2.1).
type LicensingPreamble struct {
	MsgType uint8
	Flags   uint8
	MsgSize uint16
}

// Deserialize reads a LICENSE_PREAMBLE from wire.
func (p *LicensingPreamble) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &p.MsgType); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &p.Flags); err != nil {
		return err
	}

	return binary.Read(wire, binary.LittleEndian, &p.MsgSize)
}

// Serialize writes the LICENSE_PREAMBLE to wire format.
func (p *LicensingPreamble) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, p.MsgType)
	_ = binary.Write(buf, binary.LittleEndian, p.Flags)
	_ = binary.Write(buf, binary.LittleEndian, p.MsgSize)

	return buf.Bytes()
}

// ServerLicenseError represents a Server License Error PDU (MS-RDPBCGR 2.2.1.12)
// without its security header, which the caller strips.
type ServerLicenseError struct {
	Preamble           LicensingPreamble
	ValidClientMessage LicensingErrorMessage
}

// NewLicenseSuccess creates the STATUS_VALID_CLIENT error alert that ends the
// licensing phase without issuing a license.
func NewLicenseSuccess() *ServerLicenseError {
	pdu := &ServerLicenseError{
		Preamble: LicensingPreamble{
			MsgType: LicenseMsgTypeErrorAlert,
			Flags:   licensePreambleVersion30,
		},
		ValidClientMessage: LicensingErrorMessage{
			ErrorCode:       LicenseErrorCodeValidClient,
			StateTransition: LicenseStateNoTransition,
			ErrorInfo: LicensingBinaryBlob{
				BlobType: licenseBlobTypeError,
			},
		},
	}

	pdu.Preamble.MsgSize = uint16(4 + len(pdu.ValidClientMessage.Serialize())) // #nosec G115

	return pdu
}

// IsValidClient returns true if the message reports STATUS_VALID_CLIENT.
func (pdu *ServerLicenseError) IsValidClient() bool {
	return pdu.Preamble.MsgType == LicenseMsgTypeErrorAlert &&
		pdu.ValidClientMessage.ErrorCode == LicenseErrorCodeValidClient
}

// Deserialize parses a license error alert.
func (pdu *ServerLicenseError) Deserialize(wire io.Reader) error {
	if err := pdu.Preamble.Deserialize(wire); err != nil {
		return err
	}

	return pdu.ValidClientMessage.Deserialize(wire)
}

// Serialize encodes the license error alert to wire format.
func (pdu *ServerLicenseError) Serialize() []byte {
	buf := new(bytes.Buffer)

	buf.Write(pdu.Preamble.Serialize())
	buf.Write(pdu.ValidClientMessage.Serialize())

	return buf.Bytes()
}
