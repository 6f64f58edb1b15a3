package encoding

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// EncodeUTF16 converts a string to UTF-16LE encoded bytes.
func EncodeUTF16(s string) []byte {
	buf := new(bytes.Buffer)

	for _, ch := range utf16.Encode([]rune(s)) {
		_ = binary.Write(buf, binary.LittleEndian, ch)
	}

	return buf.Bytes()
}

// DecodeUTF16 converts UTF-16LE encoded bytes to a string. Trailing null
// terminators are dropped. An odd trailing byte is ignored.
func DecodeUTF16(b []byte) string {
	units := make([]uint16, 0, len(b)/2)

	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(b[i:]))
	}

	for len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}

	return string(utf16.Decode(units))
}
