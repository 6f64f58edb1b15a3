package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdp-relay/internal/protocol/encoding"
)

// BER application tags for the connect family (T.125 11.1, 11.2).
const (
	tagConnectInitial  uint8 = 101
	tagConnectResponse uint8 = 102
)

// ConnectInitial is the MCS Connect Initial PDU (MS-RDPBCGR 2.2.1.3). The
// UserData octet string carries the GCC Conference Create Request.
type ConnectInitial struct {
	CallingDomainSelector []byte
	CalledDomainSelector  []byte
	UpwardFlag            bool
	TargetParameters      DomainParameters
	MinimumParameters     DomainParameters
	MaximumParameters     DomainParameters
	UserData              []byte
}

// NewConnectInitial builds a Connect Initial with the standard client
// domain parameters around the given GCC payload.
func NewConnectInitial(userData []byte) *ConnectInitial {
	return &ConnectInitial{
		CallingDomainSelector: []byte{0x01},
		CalledDomainSelector:  []byte{0x01},
		UpwardFlag:            true,
		TargetParameters:      newTargetParameters(),
		MinimumParameters:     newMinimumParameters(),
		MaximumParameters:     newMaximumParameters(),
		UserData:              userData,
	}
}

// Serialize encodes the PDU to wire format.
func (pdu *ConnectInitial) Serialize() []byte {
	content := new(bytes.Buffer)

	encoding.BerWriteOctetString(pdu.CallingDomainSelector, content)
	encoding.BerWriteOctetString(pdu.CalledDomainSelector, content)
	encoding.BerWriteBoolean(pdu.UpwardFlag, content)
	content.Write(pdu.TargetParameters.Serialize())
	content.Write(pdu.MinimumParameters.Serialize())
	content.Write(pdu.MaximumParameters.Serialize())
	encoding.BerWriteOctetString(pdu.UserData, content)

	buf := new(bytes.Buffer)
	encoding.BerWriteApplicationTag(tagConnectInitial, content.Len(), buf)
	buf.Write(content.Bytes())

	return buf.Bytes()
}

// Deserialize decodes the PDU from wire format.
func (pdu *ConnectInitial) Deserialize(wire io.Reader) error {
	tag, err := encoding.BerReadApplicationTag(wire)
	if err != nil {
		return err
	}

	if tag != tagConnectInitial {
		return fmt.Errorf("expected connect initial tag %d, got %d", tagConnectInitial, tag)
	}

	if _, err = encoding.BerReadLength(wire); err != nil {
		return err
	}

	if pdu.CallingDomainSelector, err = encoding.BerReadOctetString(wire); err != nil {
		return fmt.Errorf("calling domain selector: %w", err)
	}

	if pdu.CalledDomainSelector, err = encoding.BerReadOctetString(wire); err != nil {
		return fmt.Errorf("called domain selector: %w", err)
	}

	if pdu.UpwardFlag, err = encoding.BerReadBoolean(wire); err != nil {
		return fmt.Errorf("upward flag: %w", err)
	}

	if err = pdu.TargetParameters.Deserialize(wire); err != nil {
		return fmt.Errorf("target parameters: %w", err)
	}

	if err = pdu.MinimumParameters.Deserialize(wire); err != nil {
		return fmt.Errorf("minimum parameters: %w", err)
	}

	if err = pdu.MaximumParameters.Deserialize(wire); err != nil {
		return fmt.Errorf("maximum parameters: %w", err)
	}

	if pdu.UserData, err = encoding.BerReadOctetString(wire); err != nil {
		return fmt.Errorf("user data: %w", err)
	}

	return nil
}

// ConnectResponse is the MCS Connect Response PDU (MS-RDPBCGR 2.2.1.4). The
// UserData octet string carries the GCC Conference Create Response.
type ConnectResponse struct {
	Result           uint8
	CalledConnectId  int
	DomainParameters DomainParameters
	UserData         []byte
}

// NewConnectResponse builds a successful Connect Response with the standard
// server domain parameters around the given GCC payload.
func NewConnectResponse(userData []byte) *ConnectResponse {
	return &ConnectResponse{
		Result:           RTSuccessful,
		DomainParameters: newResponseParameters(),
		UserData:         userData,
	}
}

// Serialize encodes the PDU to wire format.
func (pdu *ConnectResponse) Serialize() []byte {
	content := new(bytes.Buffer)

	encoding.BerWriteEnumerated(pdu.Result, content)
	encoding.BerWriteInteger(pdu.CalledConnectId, content)
	content.Write(pdu.DomainParameters.Serialize())
	encoding.BerWriteOctetString(pdu.UserData, content)

	buf := new(bytes.Buffer)
	encoding.BerWriteApplicationTag(tagConnectResponse, content.Len(), buf)
	buf.Write(content.Bytes())

	return buf.Bytes()
}

// Deserialize decodes the PDU from wire format.
func (pdu *ConnectResponse) Deserialize(wire io.Reader) error {
	tag, err := encoding.BerReadApplicationTag(wire)
	if err != nil {
		return err
	}

	if tag != tagConnectResponse {
		return fmt.Errorf("expected connect response tag %d, got %d", tagConnectResponse, tag)
	}

	if _, err = encoding.BerReadLength(wire); err != nil {
		return err
	}

	if pdu.Result, err = encoding.BerReadEnumerated(wire); err != nil {
		return fmt.Errorf("result: %w", err)
	}

	if pdu.CalledConnectId, err = encoding.BerReadInteger(wire); err != nil {
		return fmt.Errorf("called connect id: %w", err)
	}

	if err = pdu.DomainParameters.Deserialize(wire); err != nil {
		return fmt.Errorf("domain parameters: %w", err)
	}

	if pdu.UserData, err = encoding.BerReadOctetString(wire); err != nil {
		return fmt.Errorf("user data: %w", err)
	}

	return nil
}
