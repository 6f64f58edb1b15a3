// Package drdynvc decodes the dynamic virtual channel transport
// (MS-RDPEDYC) far enough to track which sub-channels exist and what
// flows over them. Sub-channel payloads without a registered handler
// forward opaquely.
package drdynvc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Commands (MS-RDPEDYC 2.2)
const (
	CmdCreate              uint8 = 0x01
	CmdDataFirst           uint8 = 0x02
	CmdData                uint8 = 0x03
	CmdClose               uint8 = 0x04
	CmdCapability          uint8 = 0x05
	CmdDataFirstCompressed uint8 = 0x06
	CmdDataCompressed      uint8 = 0x07
	CmdSoftSyncRequest     uint8 = 0x08
	CmdSoftSyncResponse    uint8 = 0x09
)

// ErrShortMessage indicates a truncated dynamic channel message.
var ErrShortMessage = errors.New("short dynamic channel message")

// ErrUnknownChannel indicates data for a channel id with no preceding
// create.
var ErrUnknownChannel = errors.New("unknown dynamic channel id")

// Message is one decoded dynamic channel transport PDU.
type Message struct {
	Cmd       uint8
	ChannelID uint32

	// Create fields
	ChannelName string

	// DataFirst total message length
	Length uint32

	// Data payload (Data, DataFirst) or raw body (Capability, SoftSync)
	Data []byte
}

func channelIDSize(cbID uint8) int {
	switch cbID {
	case 0:
		return 1
	case 1:
		return 2
	default:
		return 4
	}
}

func readChannelID(body []byte, cbID uint8) (uint32, []byte, error) {
	size := channelIDSize(cbID)
	if len(body) < size {
		return 0, nil, ErrShortMessage
	}

	switch size {
	case 1:
		return uint32(body[0]), body[1:], nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(body[0:2])), body[2:], nil
	default:
		return binary.LittleEndian.Uint32(body[0:4]), body[4:], nil
	}
}

func readLength(body []byte, sp uint8) (uint32, []byte, error) {
	size := channelIDSize(sp)
	if len(body) < size {
		return 0, nil, ErrShortMessage
	}

	switch size {
	case 1:
		return uint32(body[0]), body[1:], nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(body[0:2])), body[2:], nil
	default:
		return binary.LittleEndian.Uint32(body[0:4]), body[4:], nil
	}
}

// Parse decodes one dynamic channel transport PDU. The header byte packs
// cbId (bits 0-1), Sp (bits 2-3) and Cmd (bits 4-7).
func Parse(data []byte) (*Message, error) {
	if len(data) < 1 {
		return nil, ErrShortMessage
	}

	cbID := data[0] & 0x03
	sp := (data[0] >> 2) & 0x03
	msg := &Message{Cmd: data[0] >> 4}
	body := data[1:]

	switch msg.Cmd {
	case CmdCapability:
		// Pad byte plus version; the relay forwards capability
		// negotiation untouched.
		msg.Data = body

		return msg, nil
	case CmdSoftSyncRequest, CmdSoftSyncResponse:
		msg.Data = body

		return msg, nil
	}

	var err error

	msg.ChannelID, body, err = readChannelID(body, cbID)
	if err != nil {
		return nil, err
	}

	switch msg.Cmd {
	case CmdCreate:
		// create request carries a null-terminated name; the response
		// carries a 4-byte status instead
		if i := bytes.IndexByte(body, 0x00); i >= 0 {
			msg.ChannelName = string(body[:i])
		} else {
			msg.Data = body
		}
	case CmdDataFirst, CmdDataFirstCompressed:
		msg.Length, body, err = readLength(body, sp)
		if err != nil {
			return nil, err
		}

		msg.Data = body
	case CmdData, CmdDataCompressed, CmdClose:
		msg.Data = body
	default:
		return nil, fmt.Errorf("unknown dynamic channel command %#02x", msg.Cmd)
	}

	return msg, nil
}

// ChannelEvent reports a change in the dynamic channel table.
type ChannelEvent struct {
	ChannelID uint32
	Name      string
	Created   bool
}

// Tracker follows create/close messages to maintain the id-to-name table
// for one session. Feed both directions: the server sends the create
// request, the client the response.
type Tracker struct {
	channels map[uint32]string
}

// NewTracker returns an empty channel tracker.
func NewTracker() *Tracker {
	return &Tracker{channels: make(map[uint32]string)}
}

// Name returns the name of a tracked channel.
func (t *Tracker) Name(channelID uint32) (string, bool) {
	name, ok := t.channels[channelID]

	return name, ok
}

// Observe updates the table from one decoded message and returns an event
// when a channel is created or closed.
func (t *Tracker) Observe(msg *Message) *ChannelEvent {
	switch msg.Cmd {
	case CmdCreate:
		if msg.ChannelName == "" {
			return nil // create response, table already updated
		}

		t.channels[msg.ChannelID] = msg.ChannelName

		return &ChannelEvent{ChannelID: msg.ChannelID, Name: msg.ChannelName, Created: true}
	case CmdClose:
		name, ok := t.channels[msg.ChannelID]
		if !ok {
			return nil
		}

		delete(t.channels, msg.ChannelID)

		return &ChannelEvent{ChannelID: msg.ChannelID, Name: name}
	default:
		return nil
	}
}
