package pdu

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/rcarmo/rdp-relay/internal/protocol/encoding"
)

// Client Info PDU flags (MS-RDPBCGR 2.2.1.11.1.1).
const (
	InfoMouse               uint32 = 0x00000001
	InfoDisableCtrlAltDel   uint32 = 0x00000002
	InfoAutoLogon           uint32 = 0x00000008
	InfoUnicode             uint32 = 0x00000010
	InfoMaximizeShell       uint32 = 0x00000020
	InfoLogonNotify         uint32 = 0x00000040
	InfoCompression         uint32 = 0x00000080
	InfoEnableWindowsKey    uint32 = 0x00000100
	InfoForceEncryptedCSPDU uint32 = 0x00004000
	InfoRail                uint32 = 0x00008000
	InfoLogonErrors         uint32 = 0x00010000
	InfoMouseHasWheel       uint32 = 0x00020000
	InfoPasswordIsSCPin     uint32 = 0x00040000
	InfoNoAudioPlayback     uint32 = 0x00080000
	InfoUsingSavedCreds     uint32 = 0x00100000
	InfoAudioCapture        uint32 = 0x00200000
)

// ClientInfo represents the TS_INFO_PACKET structure (MS-RDPBCGR 2.2.1.11.1.1).
// The credential fields are decoded so they can be logged and rewritten; the
// extended info packet is passed through untouched.
type ClientInfo struct {
	CodePage       uint32
	Flags          uint32
	Domain         string
	UserName       string
	Password       string
	AlternateShell string
	WorkingDir     string
	ExtraInfo      []byte // raw TS_EXTENDED_INFO_PACKET, if present
}

// IsUnicode returns true if the string fields are UTF-16LE encoded.
func (info *ClientInfo) IsUnicode() bool {
	return info.Flags&InfoUnicode == InfoUnicode
}

func (info *ClientInfo) decodeString(b []byte) string {
	if info.IsUnicode() {
		return encoding.DecodeUTF16(b)
	}

	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		b = b[:idx]
	}

	return string(b)
}

func (info *ClientInfo) encodeString(s string) []byte {
	if info.IsUnicode() {
		return encoding.EncodeUTF16(s)
	}

	return []byte(s)
}

// terminatorLen is the size of the mandatory null terminator, which the
// cb* length fields do not include.
func (info *ClientInfo) terminatorLen() int {
	if info.IsUnicode() {
		return 2
	}

	return 1
}

// Deserialize decodes the info packet from wire format.
func (info *ClientInfo) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &info.CodePage); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &info.Flags); err != nil {
		return err
	}

	var cbDomain, cbUserName, cbPassword, cbAlternateShell, cbWorkingDir uint16

	for _, cb := range []*uint16{&cbDomain, &cbUserName, &cbPassword, &cbAlternateShell, &cbWorkingDir} {
		if err := binary.Read(wire, binary.LittleEndian, cb); err != nil {
			return err
		}
	}

	term := info.terminatorLen()

	for _, field := range []struct {
		dst *string
		cb  uint16
	}{
		{&info.Domain, cbDomain},
		{&info.UserName, cbUserName},
		{&info.Password, cbPassword},
		{&info.AlternateShell, cbAlternateShell},
		{&info.WorkingDir, cbWorkingDir},
	} {
		raw := make([]byte, int(field.cb)+term)

		if _, err := io.ReadFull(wire, raw); err != nil {
			return err
		}

		*field.dst = info.decodeString(raw[:field.cb])
	}

	extra, err := io.ReadAll(wire)
	if err != nil {
		return err
	}

	if len(extra) > 0 {
		info.ExtraInfo = extra
	}

	return nil
}

// Serialize encodes the info packet to wire format.
func (info *ClientInfo) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, info.CodePage)
	_ = binary.Write(buf, binary.LittleEndian, info.Flags)

	fields := [][]byte{
		info.encodeString(info.Domain),
		info.encodeString(info.UserName),
		info.encodeString(info.Password),
		info.encodeString(info.AlternateShell),
		info.encodeString(info.WorkingDir),
	}

	for _, field := range fields {
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(field))) // #nosec G115
	}

	terminator := make([]byte, info.terminatorLen())

	for _, field := range fields {
		buf.Write(field)
		buf.Write(terminator)
	}

	buf.Write(info.ExtraInfo)

	return buf.Bytes()
}
