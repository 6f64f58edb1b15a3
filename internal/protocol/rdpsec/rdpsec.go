// Package rdpsec implements standard RDP security (MS-RDPBCGR 5.3): the
// TS_SECURITY_HEADER, session key derivation, RC4 stream pairs with periodic
// key updates, MAC signatures, and the Security Exchange PDU. It is only
// exercised when a leg negotiates PROTOCOL_RDP instead of TLS.
package rdpsec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// Security header flags (MS-RDPBCGR 2.2.8.1.1.2.1).
const (
	// SecExchangePkt SEC_EXCHANGE_PKT
	SecExchangePkt uint16 = 0x0001

	// SecTransportReq SEC_TRANSPORT_REQ
	SecTransportReq uint16 = 0x0002

	// SecEncrypt SEC_ENCRYPT
	SecEncrypt uint16 = 0x0008

	// SecResetSeqno SEC_RESET_SEQNO
	SecResetSeqno uint16 = 0x0010

	// SecIgnoreSeqno SEC_IGNORE_SEQNO
	SecIgnoreSeqno uint16 = 0x0020

	// SecInfoPkt SEC_INFO_PKT
	SecInfoPkt uint16 = 0x0040

	// SecLicensePkt SEC_LICENSE_PKT
	SecLicensePkt uint16 = 0x0080

	// SecLicenseEncryptCS SEC_LICENSE_ENCRYPT_CS
	SecLicenseEncryptCS uint16 = 0x0200

	// SecRedirectionPkt SEC_REDIRECTION_PKT
	SecRedirectionPkt uint16 = 0x0400

	// SecSecureChecksum SEC_SECURE_CHECKSUM
	SecSecureChecksum uint16 = 0x0800

	// SecAutodetectReq SEC_AUTODETECT_REQ
	SecAutodetectReq uint16 = 0x1000

	// SecHeartbeat SEC_HEARTBEAT
	SecHeartbeat uint16 = 0x4000
)

// Encryption methods (MS-RDPBCGR 2.2.1.4.3).
const (
	EncryptionMethodNone   uint32 = 0x00000000
	EncryptionMethod40Bit  uint32 = 0x00000001
	EncryptionMethod128Bit uint32 = 0x00000002
	EncryptionMethod56Bit  uint32 = 0x00000008
	EncryptionMethodFIPS   uint32 = 0x00000010
)

// ErrShortHeader indicates a truncated security header.
var ErrShortHeader = errors.New("short security header")

// ErrBadSignature indicates an MS-RDPBCGR 5.3.6.1 MAC mismatch.
var ErrBadSignature = errors.New("bad MAC signature")

// WrapFlags prefixes data with a basic TS_SECURITY_HEADER carrying the given
// flags.
func WrapFlags(flags uint16, data []byte) []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, flags)
	buf.Write([]byte{0x00, 0x00}) // flagsHi

	buf.Write(data)

	return buf.Bytes()
}

// UnwrapFlags reads a basic TS_SECURITY_HEADER and returns its flags.
func UnwrapFlags(wire io.Reader) (uint16, error) {
	var (
		flags   uint16
		flagsHi uint16
	)

	if err := binary.Read(wire, binary.LittleEndian, &flags); err != nil {
		return 0, err
	}

	if err := binary.Read(wire, binary.LittleEndian, &flagsHi); err != nil {
		return 0, err
	}

	return flags, nil
}

// SplitFlags is the slice variant of UnwrapFlags. It returns the flags and
// the remaining payload.
func SplitFlags(payload []byte) (uint16, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, ErrShortHeader
	}

	return binary.LittleEndian.Uint16(payload), payload[4:], nil
}
