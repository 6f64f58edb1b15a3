// Package tpkt implements the TPKT header codec (RFC 1006) used as the
// outer framing of RDP slow-path traffic.
package tpkt

import (
	"encoding/binary"
	"errors"
)

const (
	// HeaderLen is the fixed TPKT header size.
	HeaderLen = 4

	// Version is the TPKT version octet; the only value RDP uses.
	Version = 3

	// MaxLength is the largest frame a 16-bit TPKT length can describe.
	MaxLength = 0xFFFF
)

var (
	// ErrShortHeader indicates fewer than HeaderLen bytes were supplied.
	ErrShortHeader = errors.New("tpkt: short header")

	// ErrBadVersion indicates the version octet is not 3.
	ErrBadVersion = errors.New("tpkt: bad version")

	// ErrBadLength indicates the declared length underflows the header size.
	ErrBadLength = errors.New("tpkt: bad length")
)

// ParseHeader decodes a TPKT header and returns the total frame length,
// header included.
func ParseHeader(b []byte) (int, error) {
	if len(b) < HeaderLen {
		return 0, ErrShortHeader
	}

	if b[0] != Version {
		return 0, ErrBadVersion
	}

	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < HeaderLen {
		return 0, ErrBadLength
	}

	return length, nil
}

// WriteHeader encodes a TPKT header for a frame of the given total length.
func WriteHeader(totalLength int) []byte {
	b := make([]byte, HeaderLen)

	b[0] = Version
	b[1] = 0 // reserved
	binary.BigEndian.PutUint16(b[2:4], uint16(totalLength)) // #nosec G115

	return b
}

// Wrap prefixes a TPDU with a TPKT header.
func Wrap(tpdu []byte) []byte {
	out := make([]byte, 0, HeaderLen+len(tpdu))
	out = append(out, WriteHeader(HeaderLen+len(tpdu))...)
	out = append(out, tpdu...)

	return out
}
