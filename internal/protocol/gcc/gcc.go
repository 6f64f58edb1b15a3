// Package gcc implements the Generic Conference Control (T.124) wrappers
// carried inside MCS Connect Initial/Response as specified in MS-RDPBCGR.
// Both directions are implemented: the relay unwraps the user data a real
// endpoint sent and re-wraps rewritten user data toward the other side.
package gcc

import (
	"bytes"
	"errors"
	"io"

	"github.com/rcarmo/rdp-relay/internal/protocol/encoding"
)

var (
	t124_02_98_oid = [6]byte{0, 0, 20, 124, 0, 1}
	h221CSKey      = "Duca"
	h221SCKey      = "McDn"
)

// node id the conference create response reports for the server MCU
const serverNodeID = 0x79F3

// ConferenceCreateRequest wraps the client GCC user data blocks.
type ConferenceCreateRequest struct {
	UserData []byte
}

// NewConferenceCreateRequest creates a request around the given user data.
func NewConferenceCreateRequest(userData []byte) *ConferenceCreateRequest {
	return &ConferenceCreateRequest{
		UserData: userData,
	}
}

// Serialize encodes the request to wire format.
func (r *ConferenceCreateRequest) Serialize() []byte {
	buf := new(bytes.Buffer)

	encoding.PerWriteChoice(0, buf)
	encoding.PerWriteObjectIdentifier(t124_02_98_oid, buf)
	encoding.PerWriteLength(uint16(14+len(r.UserData)), buf) // #nosec G115

	encoding.PerWriteChoice(0, buf)
	encoding.PerWriteSelection(0x08, buf)

	encoding.PerWriteNumericString("1", 1, buf)
	encoding.PerWritePadding(1, buf)
	encoding.PerWriteNumberOfSet(1, buf)
	encoding.PerWriteChoice(0xc0, buf)
	encoding.PerWriteOctetStream(h221CSKey, 4, buf)
	encoding.PerWriteOctetStream(string(r.UserData), 0, buf)

	return buf.Bytes()
}

// Deserialize decodes the request from wire format, extracting the client
// user data blocks.
func (r *ConferenceCreateRequest) Deserialize(wire io.Reader) error {
	_, err := encoding.PerReadChoice(wire)
	if err != nil {
		return err
	}

	objectIdentifier, err := encoding.PerReadObjectIdentifier(t124_02_98_oid, wire)
	if err != nil {
		return err
	}

	if !objectIdentifier {
		return errors.New("bad object identifier t124")
	}

	if _, err = encoding.PerReadLength(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadChoice(wire); err != nil {
		return err
	}

	// selection
	if _, err = encoding.PerReadChoice(wire); err != nil {
		return err
	}

	if err = encoding.PerReadNumericString(1, wire); err != nil {
		return err
	}

	if err = encoding.PerReadPadding(1, wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadNumberOfSet(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadChoice(wire); err != nil {
		return err
	}

	key, err := encoding.PerReadOctetStream([]byte(h221CSKey), 4, wire)
	if err != nil {
		return err
	}

	if !key {
		return errors.New("bad H221 CS_KEY")
	}

	length, err := encoding.PerReadLength(wire)
	if err != nil {
		return err
	}

	r.UserData = make([]byte, length)
	if _, err = io.ReadFull(wire, r.UserData); err != nil {
		return err
	}

	return nil
}

// ConferenceCreateResponse wraps the server GCC user data blocks.
type ConferenceCreateResponse struct {
	UserData []byte
}

// NewConferenceCreateResponse creates a response around the given user data.
func NewConferenceCreateResponse(userData []byte) *ConferenceCreateResponse {
	return &ConferenceCreateResponse{
		UserData: userData,
	}
}

// Serialize encodes the response to wire format.
func (r *ConferenceCreateResponse) Serialize() []byte {
	tail := new(bytes.Buffer)

	encoding.PerWriteChoice(0x14, tail)
	encoding.PerWriteInteger16(serverNodeID, 1001, tail)
	encoding.PerWriteInteger(1, tail) // tag
	encoding.PerWriteEnumerates(0, tail)
	encoding.PerWriteNumberOfSet(1, tail)
	encoding.PerWriteChoice(0xc0, tail)
	encoding.PerWriteOctetStream(h221SCKey, 4, tail)
	encoding.PerWriteOctetStream(string(r.UserData), 0, tail)

	buf := new(bytes.Buffer)
	encoding.PerWriteChoice(0, buf)
	encoding.PerWriteObjectIdentifier(t124_02_98_oid, buf)
	encoding.PerWriteLength(uint16(tail.Len()), buf) // #nosec G115
	buf.Write(tail.Bytes())

	return buf.Bytes()
}

// Deserialize decodes the response from wire format, extracting the server
// user data blocks.
func (r *ConferenceCreateResponse) Deserialize(wire io.Reader) error {
	_, err := encoding.PerReadChoice(wire)
	if err != nil {
		return err
	}

	objectIdentifier, err := encoding.PerReadObjectIdentifier(t124_02_98_oid, wire)
	if err != nil {
		return err
	}

	if !objectIdentifier {
		return errors.New("bad object identifier t124")
	}

	if _, err = encoding.PerReadLength(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadChoice(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadInteger16(1001, wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadInteger(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadEnumerates(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadNumberOfSet(wire); err != nil {
		return err
	}

	if _, err = encoding.PerReadChoice(wire); err != nil {
		return err
	}

	key, err := encoding.PerReadOctetStream([]byte(h221SCKey), 4, wire)
	if err != nil {
		return err
	}

	if !key {
		return errors.New("bad H221 SC_KEY")
	}

	length, err := encoding.PerReadLength(wire)
	if err != nil {
		return err
	}

	r.UserData = make([]byte, length)
	if _, err = io.ReadFull(wire, r.UserData); err != nil {
		return err
	}

	return nil
}
