// Package x224 implements the X.224 class 0 TPDU codec used beneath the
// RDP connection sequence (MS-RDPBCGR 2.2.1.1, 2.2.1.2). Only the subset
// RDP exchanges is supported: Connection Request/Confirm, Data and
// Disconnect Request.
package x224

import (
	"errors"
	"fmt"
)

// TPDU codes (code field of the fixed header, low nibble zero for class 0).
const (
	// TPDUConnectionRequest CR TPDU
	TPDUConnectionRequest uint8 = 0xE0

	// TPDUConnectionConfirm CC TPDU
	TPDUConnectionConfirm uint8 = 0xD0

	// TPDUDisconnectRequest DR TPDU
	TPDUDisconnectRequest uint8 = 0x80

	// TPDUData DT TPDU
	TPDUData uint8 = 0xF0

	// TPDUError ER TPDU
	TPDUError uint8 = 0x70
)

var (
	// ErrShortTPDU indicates a truncated TPDU.
	ErrShortTPDU = errors.New("x224: short tpdu")

	// ErrBadTPDU indicates a TPDU that violates class 0 framing.
	ErrBadTPDU = errors.New("x224: bad tpdu")
)

const (
	// control TPDU fixed part: LI, code, dst-ref(2), src-ref(2), class
	controlHeaderLen = 7

	// data TPDU fixed part: LI, code, EOT
	dataHeaderLen = 3
)

// TPDU is one decoded X.224 TPDU. For control TPDUs Data holds the variable
// part (cookie and RDP negotiation structures); for data TPDUs it holds the
// user payload.
type TPDU struct {
	Code uint8
	Data []byte
}

// IsConnectionRequest returns true for a CR TPDU.
func (t TPDU) IsConnectionRequest() bool { return t.Code == TPDUConnectionRequest }

// IsConnectionConfirm returns true for a CC TPDU.
func (t TPDU) IsConnectionConfirm() bool { return t.Code == TPDUConnectionConfirm }

// IsDisconnectRequest returns true for a DR TPDU.
func (t TPDU) IsDisconnectRequest() bool { return t.Code == TPDUDisconnectRequest }

// IsData returns true for a DT TPDU.
func (t TPDU) IsData() bool { return t.Code == TPDUData }

// Parse decodes one TPDU from a TPKT payload.
func Parse(payload []byte) (TPDU, error) {
	if len(payload) < 2 {
		return TPDU{}, ErrShortTPDU
	}

	li := int(payload[0])
	code := payload[1] & 0xF0

	switch code {
	case TPDUData:
		if len(payload) < dataHeaderLen {
			return TPDU{}, ErrShortTPDU
		}

		// EOT must be set: RDP never fragments at the X.224 layer.
		if payload[2]&0x80 == 0 {
			return TPDU{}, fmt.Errorf("%w: data tpdu without EOT", ErrBadTPDU)
		}

		return TPDU{Code: TPDUData, Data: payload[dataHeaderLen:]}, nil

	case TPDUConnectionRequest, TPDUConnectionConfirm, TPDUDisconnectRequest, TPDUError:
		if len(payload) < controlHeaderLen {
			return TPDU{}, ErrShortTPDU
		}

		end := 1 + li
		if end > len(payload) {
			return TPDU{}, fmt.Errorf("%w: length indicator %d exceeds tpdu size %d", ErrBadTPDU, li, len(payload))
		}

		return TPDU{Code: code, Data: payload[controlHeaderLen:end]}, nil

	default:
		return TPDU{}, fmt.Errorf("%w: unknown code 0x%02X", ErrBadTPDU, code)
	}
}

// Serialize encodes the TPDU to its wire format (the TPKT payload).
func (t TPDU) Serialize() []byte {
	if t.Code == TPDUData {
		out := make([]byte, 0, dataHeaderLen+len(t.Data))
		out = append(out, dataHeaderLen-1, TPDUData, 0x80) // LI, code, EOT

		return append(out, t.Data...)
	}

	out := make([]byte, 0, controlHeaderLen+len(t.Data))
	out = append(out,
		byte(controlHeaderLen-1+len(t.Data)), // LI
		t.Code,
		0x00, 0x00, // dst-ref
		0x00, 0x00, // src-ref
		0x00, // class 0
	)

	return append(out, t.Data...)
}

// WrapData builds a data TPDU around a payload.
func WrapData(payload []byte) []byte {
	return TPDU{Code: TPDUData, Data: payload}.Serialize()
}

// UnwrapData parses a TPDU and returns its payload, requiring a data TPDU.
func UnwrapData(payload []byte) ([]byte, error) {
	t, err := Parse(payload)
	if err != nil {
		return nil, err
	}

	if !t.IsData() {
		return nil, fmt.Errorf("%w: expected data tpdu, got 0x%02X", ErrBadTPDU, t.Code)
	}

	return t.Data, nil
}
