package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// BER reading functions

func BerReadApplicationTag(r io.Reader) (uint8, error) {
	var (
		identifier uint8
		tag        uint8
		err        error
	)

	err = binary.Read(r, binary.BigEndian, &identifier)
	if err != nil {
		return 0, err
	}

	if identifier != (ClassApplication|PCConstruct)|TagMask {
		return 0, errors.New("ReadApplicationTag invalid data")
	}

	err = binary.Read(r, binary.BigEndian, &tag)
	if err != nil {
		return 0, err
	}

	return tag, nil
}

func BerReadLength(r io.Reader) (uint16, error) {
	var (
		ret  uint16
		size uint8
		err  error
	)

	err = binary.Read(r, binary.BigEndian, &size)
	if err != nil {
		return 0, err
	}

	if size&0x80 > 0 {
		size = size &^ 0x80

		if size == 1 {
			err = binary.Read(r, binary.BigEndian, &size)
			if err != nil {
				return 0, err
			}

			ret = uint16(size)
		} else if size == 2 {
			err = binary.Read(r, binary.BigEndian, &ret)
			if err != nil {
				return 0, err
			}
		} else {
			return 0, errors.New("BER length may be 1 or 2")
		}
	} else {
		ret = uint16(size)
	}

	return ret, nil
}

func berPC(pc bool) uint8 {
	if pc {
		return PCConstruct
	}
	return PCPrimitive
}

func BerReadUniversalTag(tag uint8, pc bool, r io.Reader) (bool, error) {
	var bb uint8

	err := binary.Read(r, binary.BigEndian, &bb)
	if err != nil {
		return false, err
	}

	return bb == (ClassUniversal|berPC(pc))|(TagMask&tag), nil
}

func BerReadEnumerated(r io.Reader) (uint8, error) {
	universalTag, err := BerReadUniversalTag(TagEnumerated, false, r)
	if err != nil {
		return 0, err
	}

	if !universalTag {
		return 0, errors.New("invalid ber tag")
	}

	length, err := BerReadLength(r)
	if err != nil {
		return 0, err
	}

	if length != 1 {
		return 0, fmt.Errorf("enumerate size is wrong, get %v, expect 1", length)
	}

	var enumerated uint8

	return enumerated, binary.Read(r, binary.BigEndian, &enumerated)
}

func BerReadInteger(r io.Reader) (int, error) {
	universalTag, err := BerReadUniversalTag(TagInteger, false, r)
	if err != nil {
		return 0, err
	}

	if !universalTag {
		return 0, errors.New("bad integer tag")
	}

	size, err := BerReadLength(r)
	if err != nil {
		return 0, err
	}

	switch size {
	case 1:
		var num uint8

		return int(num), binary.Read(r, binary.BigEndian, &num)
	case 2:
		var num uint16

		return int(num), binary.Read(r, binary.BigEndian, &num)
	case 3:
		var (
			int1 uint8
			int2 uint16
		)

		err = binary.Read(r, binary.BigEndian, &int1)
		if err != nil {
			return 0, err
		}

		err = binary.Read(r, binary.BigEndian, &int2)
		if err != nil {
			return 0, err
		}

		return int(int1)<<0x10 + int(int2), nil
	case 4:
		var num uint32

		return int(num), binary.Read(r, binary.BigEndian, &num)
	default:
		return 0, errors.New("wrong size")
	}
}

// BerReadBoolean reads a BER boolean value.
func BerReadBoolean(r io.Reader) (bool, error) {
	universalTag, err := BerReadUniversalTag(TagBoolean, false, r)
	if err != nil {
		return false, err
	}

	if !universalTag {
		return false, errors.New("bad boolean tag")
	}

	length, err := BerReadLength(r)
	if err != nil {
		return false, err
	}

	if length != 1 {
		return false, fmt.Errorf("boolean size is wrong, get %v, expect 1", length)
	}

	var b uint8
	if err = binary.Read(r, binary.BigEndian, &b); err != nil {
		return false, err
	}

	return b != 0, nil
}

// BerReadOctetString reads a BER octet string value.
func BerReadOctetString(r io.Reader) ([]byte, error) {
	universalTag, err := BerReadUniversalTag(TagOctetString, false, r)
	if err != nil {
		return nil, err
	}

	if !universalTag {
		return nil, errors.New("bad octet string tag")
	}

	length, err := BerReadLength(r)
	if err != nil {
		return nil, err
	}

	data := make([]byte, length)
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}

// BerReadSequence reads a BER sequence header and returns the declared
// content length.
func BerReadSequence(r io.Reader) (uint16, error) {
	universalTag, err := BerReadUniversalTag(TagSequence, true, r)
	if err != nil {
		return 0, err
	}

	if !universalTag {
		return 0, errors.New("bad sequence tag")
	}

	return BerReadLength(r)
}

// BER writing functions

func BerWriteBoolean(b bool, w io.Writer) {
	bb := uint8(0)
	if b {
		bb = uint8(0xff)
	}
	_, _ = w.Write([]byte{0x01}) // tag boolean
	BerWriteLength(1, w)
	_, _ = w.Write([]byte{bb})
}

func BerWriteInteger(n int, w io.Writer) {
	_, _ = w.Write([]byte{0x02}) // tag integer
	if n <= 0xff {
		BerWriteLength(1, w)
		_, _ = w.Write([]byte{uint8(n)}) // #nosec G115
	} else if n <= 0xffff {
		BerWriteLength(2, w)
		_ = binary.Write(w, binary.BigEndian, uint16(n)) // #nosec G115
	} else {
		BerWriteLength(4, w)
		_ = binary.Write(w, binary.BigEndian, uint32(n)) // #nosec G115
	}
}

func BerWriteEnumerated(n uint8, w io.Writer) {
	_, _ = w.Write([]byte{TagEnumerated})
	BerWriteLength(1, w)
	_, _ = w.Write([]byte{n})
}

func BerWriteOctetString(str []byte, w io.Writer) {
	_, _ = w.Write([]byte{0x04}) // tag octet string
	BerWriteLength(len(str), w)
	_, _ = w.Write(str)
}

func BerWriteSequence(data []byte, w io.Writer) {
	_, _ = w.Write([]byte{0x30}) // tag sequence
	BerWriteLength(len(data), w)
	_, _ = w.Write(data)
}

func BerWriteApplicationTag(tag uint8, size int, w io.Writer) {
	if tag > 30 {
		_, _ = w.Write([]byte{
			0x7f, // leading octet for tags with number greater than or equal to 31
			tag,
		})
		BerWriteLength(size, w)
	} else {
		_, _ = w.Write([]byte{tag})
		BerWriteLength(size, w)
	}
}

func BerWriteLength(size int, w io.Writer) {
	if size > 0xff {
		// Long form: 0x82 means 2 bytes follow
		_, _ = w.Write([]byte{0x82})
		_ = binary.Write(w, binary.BigEndian, uint16(size)) // #nosec G115
	} else if size > 0x7f {
		// Long form: 0x81 means 1 byte follows
		_, _ = w.Write([]byte{0x81, uint8(size)}) // #nosec G115
	} else {
		// Short form: size directly in length octet
		_, _ = w.Write([]byte{uint8(size)})
	}
}

// BerWriteInteger16 writes a 16-bit integer in BER format
func BerWriteInteger16(n uint16, w io.Writer) {
	_, _ = w.Write([]byte{0x02}) // tag integer
	BerWriteLength(2, w)
	_ = binary.Write(w, binary.BigEndian, n)
}

// BerReadInteger16 reads a 16-bit integer in BER format
func BerReadInteger16(r io.Reader) (uint16, error) {
	universalTag, err := BerReadUniversalTag(TagInteger, false, r)
	if err != nil {
		return 0, err
	}

	if !universalTag {
		return 0, errors.New("bad integer tag")
	}

	size, err := BerReadLength(r)
	if err != nil {
		return 0, err
	}

	if size != 2 {
		return 0, errors.New("expected 2-byte integer")
	}

	var num uint16
	return num, binary.Read(r, binary.BigEndian, &num)
}
