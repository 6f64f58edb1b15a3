package relay

import (
	"github.com/rcarmo/rdp-relay/internal/protocol/cliprdr"
	"github.com/rcarmo/rdp-relay/internal/protocol/drdynvc"
	"github.com/rcarmo/rdp-relay/internal/protocol/rdpdr"
	"github.com/rcarmo/rdp-relay/internal/protocol/vchan"
)

// Static virtual channel names with dedicated decoders.
const (
	ChannelClipboard = "cliprdr"
	ChannelDeviceDir = "rdpdr"
	ChannelDynamic   = "drdynvc"
)

// ChannelMessage is one fully reassembled virtual channel message, with
// whatever the channel decoder could extract from it.
type ChannelMessage struct {
	ChannelID uint16
	Name      string
	Direction Direction
	Data      []byte

	// Raw marks Data as an untouched wire chunk (unknown channel, a
	// chunk that failed header parsing, or a compressed chunk): forward
	// verbatim, never re-fragment.
	Raw bool

	// Flags holds the non-fragmentation CHANNEL_PDU_HEADER flags seen on
	// the message's chunks; re-fragmentation must carry them.
	Flags uint32

	// Decoded content, populated per channel. All nil for opaque channels.
	Clipboard *cliprdr.TextEvent
	Devices   []rdpdr.Device
	Dynamic   *drdynvc.ChannelEvent
}

type muxChannel struct {
	id   uint16
	name string

	// One defragmenter per direction; chunk sequences interleave freely
	// across directions but never within one.
	defrag [2]*vchan.Defragmenter

	// flags accumulates the non-fragmentation header flags of the message
	// each direction is currently reassembling.
	flags [2]uint32

	// opaque is set after a decode failure; the channel is forwarded
	// verbatim from then on.
	opaque bool
}

// Mux maps static virtual channel IDs to names and decoders. The name list
// comes from the client's channel requests and the ID list from the server's
// join confirmations, in matching order.
type Mux struct {
	channels map[uint16]*muxChannel
	ioID     uint16

	clip *cliprdr.Monitor
	dyn  *drdynvc.Tracker
}

// NewMux builds the channel table. Extra IDs beyond the named channels are
// tracked as opaque so traffic on them still flows.
func NewMux(names []string, ids []uint16, ioChannelID uint16) *Mux {
	m := &Mux{
		channels: make(map[uint16]*muxChannel, len(ids)),
		ioID:     ioChannelID,
		clip:     &cliprdr.Monitor{},
		dyn:      drdynvc.NewTracker(),
	}

	for i, id := range ids {
		ch := &muxChannel{id: id}
		if i < len(names) {
			ch.name = names[i]
		} else {
			ch.opaque = true
		}

		ch.defrag[ClientToServer] = &vchan.Defragmenter{}
		ch.defrag[ServerToClient] = &vchan.Defragmenter{}
		m.channels[id] = ch
	}

	return m
}

// IsIOChannel reports whether the MCS channel carries core RDP PDUs rather
// than static virtual channel traffic.
func (m *Mux) IsIOChannel(channelID uint16) bool {
	return channelID == m.ioID
}

// Name returns the channel name for an ID, or "" when unknown.
func (m *Mux) Name(channelID uint16) string {
	if ch, ok := m.channels[channelID]; ok {
		return ch.name
	}

	return ""
}

// ChannelID returns the MCS channel ID registered for a channel name.
func (m *Mux) ChannelID(name string) (uint16, bool) {
	for id, ch := range m.channels {
		if ch.name == name {
			return id, true
		}
	}

	return 0, false
}

// Process feeds one virtual channel chunk through reassembly and decoding.
// It returns nil while a message is still accumulating. A decode failure
// returns both the reassembled message (for opaque forwarding) and a
// ChannelDecodeError; the channel stays opaque afterwards.
func (m *Mux) Process(channelID uint16, direction Direction, data []byte) (*ChannelMessage, error) {
	ch, ok := m.channels[channelID]
	if !ok {
		// Traffic on a channel the server never confirmed. Forward it
		// untouched rather than guess at its framing.
		return &ChannelMessage{ChannelID: channelID, Direction: direction, Data: data, Raw: true}, nil
	}

	chunk, err := vchan.ParseChunk(data)
	if err != nil {
		ch.opaque = true

		msg := &ChannelMessage{ChannelID: channelID, Name: ch.name, Direction: direction, Data: data, Raw: true}

		return msg, &ChannelDecodeError{Channel: ch.name, Err: err}
	}

	if chunk.Header.Flags&vchan.ChannelFlagCompress != 0 {
		// MPPC-compressed chunk: only the endpoints hold the compression
		// context, so it cannot be reassembled or rebuilt here.
		return &ChannelMessage{ChannelID: channelID, Name: ch.name, Direction: direction, Data: data, Raw: true}, nil
	}

	if chunk.Header.IsFirst() {
		ch.flags[direction] = 0
	}

	ch.flags[direction] |= chunk.Header.Flags &^ (vchan.ChannelFlagFirst | vchan.ChannelFlagLast)

	complete, done, err := ch.defrag[direction].Process(chunk)
	if err != nil {
		ch.opaque = true

		msg := &ChannelMessage{ChannelID: channelID, Name: ch.name, Direction: direction, Data: data, Raw: true}

		return msg, &ChannelDecodeError{Channel: ch.name, Err: err}
	}

	if !done {
		return nil, nil
	}

	msg := &ChannelMessage{
		ChannelID: channelID,
		Name:      ch.name,
		Direction: direction,
		Data:      complete,
		Flags:     ch.flags[direction],
	}
	ch.flags[direction] = 0

	if ch.opaque {
		return msg, nil
	}

	if err := m.decode(ch, msg); err != nil {
		ch.opaque = true

		return msg, &ChannelDecodeError{Channel: ch.name, Err: err}
	}

	return msg, nil
}

func (m *Mux) decode(ch *muxChannel, msg *ChannelMessage) error {
	switch ch.name {
	case ChannelClipboard:
		parsed, err := cliprdr.ParseMessage(msg.Data)
		if err != nil {
			return err
		}

		event, err := m.clip.Observe(parsed)
		if err != nil {
			return err
		}

		msg.Clipboard = event
	case ChannelDeviceDir:
		devices, err := rdpdr.ParseAnnouncedDevices(msg.Data)
		if err != nil {
			return err
		}

		msg.Devices = devices
	case ChannelDynamic:
		parsed, err := drdynvc.Parse(msg.Data)
		if err != nil {
			return err
		}

		msg.Dynamic = m.dyn.Observe(parsed)
	}

	return nil
}

// EncodeClipboardText rebuilds a clipboard format data response around
// replacement text, ready for fragmentation onto the wire.
func (m *Mux) EncodeClipboardText(formatID uint32, text string) ([]byte, error) {
	body, err := cliprdr.EncodeText(formatID, text)
	if err != nil {
		return nil, err
	}

	return cliprdr.NewFormatDataResponse(body).Serialize(), nil
}

// Fragment splits a rebuilt channel message into wire chunks, carrying the
// message's non-fragmentation flags on every chunk.
func (m *Mux) Fragment(message []byte, chunkSize int, flags uint32) [][]byte {
	return vchan.Fragment(message, chunkSize, flags)
}
