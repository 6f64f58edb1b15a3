package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdp-relay/internal/protocol/encoding"
)

// Application is the DomainMCSPDU choice (T.125 7, part 10).
type Application uint8

const (
	ErectDomainRequest          Application = 1
	DisconnectProviderUltimatum Application = 8
	AttachUserRequest           Application = 10
	AttachUserConfirm           Application = 11
	ChannelJoinRequest          Application = 14
	ChannelJoinConfirm          Application = 15
	SendDataRequest             Application = 25
	SendDataIndication          Application = 26
)

// String returns the application choice name.
func (a Application) String() string {
	switch a {
	case ErectDomainRequest:
		return "erect domain request"
	case DisconnectProviderUltimatum:
		return "disconnect provider ultimatum"
	case AttachUserRequest:
		return "attach user request"
	case AttachUserConfirm:
		return "attach user confirm"
	case ChannelJoinRequest:
		return "channel join request"
	case ChannelJoinConfirm:
		return "channel join confirm"
	case SendDataRequest:
		return "send data request"
	case SendDataIndication:
		return "send data indication"
	default:
		return fmt.Sprintf("application %d", uint8(a))
	}
}

// DomainPDU is one decoded domain MCS PDU. Exactly one of the per-choice
// fields is set, matching Application.
type DomainPDU struct {
	Application Application

	AttachUserConfirm           *AttachUserConfirmPDU
	ChannelJoin                 *ChannelJoinPDU
	SendData                    *SendDataPDU
	DisconnectProviderUltimatum *DisconnectUltimatumPDU
}

// AttachUserConfirmPDU carries the result and the initiator (user id)
// assigned by the domain.
type AttachUserConfirmPDU struct {
	Result    uint8
	Initiator uint16
}

// ChannelJoinPDU carries a join request or confirm. ChannelId is the joined
// channel for both; Result is meaningful only on confirms.
type ChannelJoinPDU struct {
	Result    uint8
	Initiator uint16
	ChannelId uint16
}

// SendDataPDU carries application data on a joined channel, for both the
// request (client to server) and indication (server to client) directions.
type SendDataPDU struct {
	Initiator uint16
	ChannelId uint16
	Data      []byte
}

// DisconnectUltimatumPDU carries the disconnect reason.
type DisconnectUltimatumPDU struct {
	Reason uint8
}

// segmentation begin|end, priority high: the only value RDP uses on send
// data PDUs.
const sendDataMagic = 0x70

// ParseDomainPDU decodes one domain MCS PDU from an X.224 data payload.
func ParseDomainPDU(payload []byte) (*DomainPDU, error) {
	if len(payload) == 0 {
		return nil, ErrShortPDU
	}

	wire := bytes.NewReader(payload)

	choice, err := encoding.PerReadChoice(wire)
	if err != nil {
		return nil, err
	}

	pdu := &DomainPDU{Application: Application(choice >> 2)}

	switch pdu.Application {
	case ErectDomainRequest:
		// sub-height and sub-interval, both ignored
		if _, err = encoding.PerReadInteger(wire); err != nil {
			return nil, err
		}
		if _, err = encoding.PerReadInteger(wire); err != nil {
			return nil, err
		}

	case AttachUserRequest:
		// no content

	case AttachUserConfirm:
		pdu.AttachUserConfirm = &AttachUserConfirmPDU{}
		if err = pdu.AttachUserConfirm.deserialize(wire, choice); err != nil {
			return nil, err
		}

	case ChannelJoinRequest, ChannelJoinConfirm:
		pdu.ChannelJoin = &ChannelJoinPDU{}
		if err = pdu.ChannelJoin.deserialize(wire, pdu.Application); err != nil {
			return nil, err
		}

	case SendDataRequest, SendDataIndication:
		pdu.SendData = &SendDataPDU{}
		if err = pdu.SendData.deserialize(wire); err != nil {
			return nil, err
		}

	case DisconnectProviderUltimatum:
		var second uint8
		if err = readByte(wire, &second); err != nil {
			return nil, err
		}

		pdu.DisconnectProviderUltimatum = &DisconnectUltimatumPDU{
			Reason: (choice&0x03)<<1 | second>>7,
		}

	default:
		return nil, fmt.Errorf("%w: choice 0x%02X", ErrUnknownDomainApplication, choice)
	}

	return pdu, nil
}

// Serialize encodes the domain PDU to an X.224 data payload.
func (pdu *DomainPDU) Serialize() []byte {
	buf := new(bytes.Buffer)

	switch pdu.Application {
	case ErectDomainRequest:
		encoding.PerWriteChoice(uint8(ErectDomainRequest)<<2, buf)
		encoding.PerWriteInteger(0, buf)
		encoding.PerWriteInteger(0, buf)

	case AttachUserRequest:
		encoding.PerWriteChoice(uint8(AttachUserRequest)<<2, buf)

	case AttachUserConfirm:
		// low option bit set: initiator present
		encoding.PerWriteChoice(uint8(AttachUserConfirm)<<2|0x02, buf)
		encoding.PerWriteEnumerates(pdu.AttachUserConfirm.Result, buf)
		encoding.PerWriteInteger16(pdu.AttachUserConfirm.Initiator, initiatorMinimum, buf)

	case ChannelJoinRequest:
		encoding.PerWriteChoice(uint8(ChannelJoinRequest)<<2, buf)
		encoding.PerWriteInteger16(pdu.ChannelJoin.Initiator, initiatorMinimum, buf)
		encoding.PerWriteInteger16(pdu.ChannelJoin.ChannelId, 0, buf)

	case ChannelJoinConfirm:
		// low option bit set: channelId present
		encoding.PerWriteChoice(uint8(ChannelJoinConfirm)<<2|0x02, buf)
		encoding.PerWriteEnumerates(pdu.ChannelJoin.Result, buf)
		encoding.PerWriteInteger16(pdu.ChannelJoin.Initiator, initiatorMinimum, buf)
		encoding.PerWriteInteger16(pdu.ChannelJoin.ChannelId, 0, buf) // requested
		encoding.PerWriteInteger16(pdu.ChannelJoin.ChannelId, 0, buf)

	case SendDataRequest, SendDataIndication:
		encoding.PerWriteChoice(uint8(pdu.Application)<<2, buf)
		encoding.PerWriteInteger16(pdu.SendData.Initiator, initiatorMinimum, buf)
		encoding.PerWriteInteger16(pdu.SendData.ChannelId, 0, buf)
		buf.WriteByte(sendDataMagic)
		encoding.PerWriteLength(uint16(len(pdu.SendData.Data)), buf) // #nosec G115
		buf.Write(pdu.SendData.Data)

	case DisconnectProviderUltimatum:
		reason := pdu.DisconnectProviderUltimatum.Reason
		buf.WriteByte(uint8(DisconnectProviderUltimatum)<<2 | (reason>>1)&0x03)
		buf.WriteByte((reason & 0x01) << 7)
	}

	return buf.Bytes()
}

func (c *AttachUserConfirmPDU) deserialize(wire io.Reader, choice uint8) error {
	var err error

	if c.Result, err = encoding.PerReadEnumerates(wire); err != nil {
		return err
	}

	// initiator present only when the option bit is set
	if choice&0x02 == 0 {
		return nil
	}

	c.Initiator, err = encoding.PerReadInteger16(initiatorMinimum, wire)

	return err
}

func (j *ChannelJoinPDU) deserialize(wire io.Reader, app Application) error {
	var err error

	if app == ChannelJoinConfirm {
		if j.Result, err = encoding.PerReadEnumerates(wire); err != nil {
			return err
		}
	}

	if j.Initiator, err = encoding.PerReadInteger16(initiatorMinimum, wire); err != nil {
		return err
	}

	if j.ChannelId, err = encoding.PerReadInteger16(0, wire); err != nil {
		return err
	}

	if app == ChannelJoinConfirm {
		// joined channel id, present on success; requested id was read above
		if joined, err := encoding.PerReadInteger16(0, wire); err == nil {
			j.ChannelId = joined
		}
	}

	return nil
}

func (d *SendDataPDU) deserialize(wire io.Reader) error {
	var err error

	if d.Initiator, err = encoding.PerReadInteger16(initiatorMinimum, wire); err != nil {
		return err
	}

	if d.ChannelId, err = encoding.PerReadInteger16(0, wire); err != nil {
		return err
	}

	var magic uint8
	if err = readByte(wire, &magic); err != nil {
		return err
	}

	length, err := encoding.PerReadLength(wire)
	if err != nil {
		return err
	}

	d.Data = make([]byte, length)
	if _, err = io.ReadFull(wire, d.Data); err != nil {
		return fmt.Errorf("send data truncated: %w", err)
	}

	return nil
}

// NewSendDataRequest builds a client-to-server data PDU.
func NewSendDataRequest(initiator, channelId uint16, data []byte) *DomainPDU {
	return &DomainPDU{
		Application: SendDataRequest,
		SendData: &SendDataPDU{
			Initiator: initiator,
			ChannelId: channelId,
			Data:      data,
		},
	}
}

// NewSendDataIndication builds a server-to-client data PDU.
func NewSendDataIndication(initiator, channelId uint16, data []byte) *DomainPDU {
	return &DomainPDU{
		Application: SendDataIndication,
		SendData: &SendDataPDU{
			Initiator: initiator,
			ChannelId: channelId,
			Data:      data,
		},
	}
}

// NewDisconnectUltimatum builds a disconnect with the given reason.
func NewDisconnectUltimatum(reason uint8) *DomainPDU {
	return &DomainPDU{
		Application:                 DisconnectProviderUltimatum,
		DisconnectProviderUltimatum: &DisconnectUltimatumPDU{Reason: reason},
	}
}

func readByte(r io.Reader, b *uint8) error {
	var one [1]byte

	if _, err := io.ReadFull(r, one[:]); err != nil {
		return err
	}

	*b = one[0]

	return nil
}
