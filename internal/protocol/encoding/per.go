package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

var ErrBadIntegerLength = errors.New("bad integer length")

func readByte(r io.Reader) (uint8, error) {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])

	return b[0], err
}

// PerReadChoice reads a PER CHOICE selector octet.
func PerReadChoice(r io.Reader) (uint8, error) {
	return readByte(r)
}

// PerReadLength reads a PER length determinant: one octet for values up
// to 0x7f, otherwise two octets with the high bit of the first set.
func PerReadLength(r io.Reader) (int, error) {
	first, err := readByte(r)
	if err != nil {
		return 0, err
	}

	if first&0x80 == 0 {
		return int(first), nil
	}

	second, err := readByte(r)
	if err != nil {
		return 0, err
	}

	return int(first&0x7f)<<8 | int(second), nil
}

// PerReadObjectIdentifier reads a 5-octet encoded OID and reports
// whether it matches oid.
func PerReadObjectIdentifier(oid [6]byte, r io.Reader) (bool, error) {
	size, err := PerReadLength(r)
	if err != nil {
		return false, err
	}

	if size != 5 {
		return false, nil
	}

	var raw [5]byte
	if _, err = io.ReadFull(r, raw[:]); err != nil {
		return false, err
	}

	got := [6]byte{raw[0] >> 4, raw[0] & 0x0f, raw[1], raw[2], raw[3], raw[4]}

	return got == oid, nil
}

// PerReadInteger16 reads a constrained 16-bit integer with the given
// lower bound.
func PerReadInteger16(minimum uint16, r io.Reader) (uint16, error) {
	var num uint16
	if err := binary.Read(r, binary.BigEndian, &num); err != nil {
		return 0, err
	}

	return num + minimum, nil
}

// PerReadInteger reads a length-prefixed unconstrained integer.
func PerReadInteger(r io.Reader) (int, error) {
	size, err := PerReadLength(r)
	if err != nil {
		return 0, err
	}

	switch size {
	case 1:
		num, err := readByte(r)

		return int(num), err
	case 2:
		var num uint16

		return int(num), binary.Read(r, binary.BigEndian, &num)
	case 4:
		var num uint32

		return int(num), binary.Read(r, binary.BigEndian, &num)
	default:
		return 0, ErrBadIntegerLength
	}
}

func PerReadEnumerates(r io.Reader) (uint8, error) {
	return readByte(r)
}

func PerReadNumberOfSet(r io.Reader) (uint8, error) {
	return readByte(r)
}

// PerReadOctetStream reads a length-prefixed octet string and reports
// whether it equals octetStream.
func PerReadOctetStream(octetStream []byte, minValue int, r io.Reader) (bool, error) {
	length, err := PerReadLength(r)
	if err != nil {
		return false, err
	}

	size := length + minValue
	if size != len(octetStream) {
		return false, nil
	}

	got := make([]byte, size)
	if _, err = io.ReadFull(r, got); err != nil {
		return false, err
	}

	return bytes.Equal(got, octetStream), nil
}

// PerReadNumericString reads a PER numeric string, discarding its value.
func PerReadNumericString(minValue int, r io.Reader) error {
	length, err := PerReadLength(r)
	if err != nil {
		return err
	}

	// two digits per octet, rounded up
	_, err = io.CopyN(io.Discard, r, int64(length+minValue+1)/2)

	return err
}

// PerReadPadding consumes padding octets.
func PerReadPadding(length int, r io.Reader) error {
	_, err := io.CopyN(io.Discard, r, int64(length))

	return err
}

func PerWriteChoice(choice uint8, w io.Writer) {
	_, _ = w.Write([]byte{choice})
}

func PerWriteObjectIdentifier(oid [6]byte, w io.Writer) {
	PerWriteLength(5, w)

	_, _ = w.Write([]byte{
		oid[0]<<4 | oid[1]&0x0f,
		oid[2], oid[3], oid[4], oid[5],
	})
}

func PerWriteLength(value uint16, w io.Writer) {
	if value > 0x7f {
		_ = binary.Write(w, binary.BigEndian, value|0x8000)
		return
	}

	_, _ = w.Write([]byte{uint8(value)})
}

func PerWriteSelection(selection uint8, w io.Writer) {
	_, _ = w.Write([]byte{selection})
}

// PerWriteNumericString packs two decimal digits per octet, padding an
// odd-length string with '0'.
func PerWriteNumericString(nStr string, minValue int, w io.Writer) {
	mLength := len(nStr) - minValue
	if mLength < 0 {
		mLength = minValue
	}

	packed := make([]byte, 0, (len(nStr)+1)/2)

	for i := 0; i < len(nStr); i += 2 {
		hi := (nStr[i] - '0') % 10
		lo := byte(0)

		if i+1 < len(nStr) {
			lo = (nStr[i+1] - '0') % 10
		}

		packed = append(packed, hi<<4|lo)
	}

	PerWriteLength(uint16(mLength), w) // #nosec G115
	_, _ = w.Write(packed)
}

func PerWritePadding(length int, w io.Writer) {
	_, _ = w.Write(make([]byte, length))
}

func PerWriteNumberOfSet(numberOfSet uint8, w io.Writer) {
	_, _ = w.Write([]byte{numberOfSet})
}

func PerWriteOctetStream(oStr string, minValue int, w io.Writer) {
	mLength := len(oStr) - minValue
	if mLength < 0 {
		mLength = minValue
	}

	PerWriteLength(uint16(mLength), w) // #nosec G115
	_, _ = io.WriteString(w, oStr)
}

func PerWriteInteger(value int, w io.Writer) {
	switch {
	case value <= 0xff:
		PerWriteLength(1, w)
		_, _ = w.Write([]byte{uint8(value)}) // #nosec G115
	case value <= 0xffff:
		PerWriteLength(2, w)
		_ = binary.Write(w, binary.BigEndian, uint16(value)) // #nosec G115
	default:
		PerWriteLength(4, w)
		_ = binary.Write(w, binary.BigEndian, uint32(value)) // #nosec G115
	}
}

func PerWriteInteger16(value, minimum uint16, w io.Writer) {
	_ = binary.Write(w, binary.BigEndian, value-minimum)
}

// PerWriteEnumerates writes a PER enumerated value.
func PerWriteEnumerates(enumerated uint8, w io.Writer) {
	_, _ = w.Write([]byte{enumerated})
}
