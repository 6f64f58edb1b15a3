// Package vchan implements static virtual channel chunking per
// MS-RDPBCGR section 2.2.6. Channel data crossing the relay is
// reassembled before interception hooks see it and re-chunked before
// forwarding.
package vchan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Channel PDU flags (MS-RDPBCGR 2.2.6.1.1)
const (
	ChannelFlagFirst         uint32 = 0x00000001
	ChannelFlagLast          uint32 = 0x00000002
	ChannelFlagShowProtocol  uint32 = 0x00000010
	ChannelFlagSuspend       uint32 = 0x00000020
	ChannelFlagResume        uint32 = 0x00000040
	ChannelFlagPacketFlushed uint32 = 0x00080000
	ChannelFlagPacketAt      uint32 = 0x00100000
	ChannelFlagCompress      uint32 = 0x00200000
)

// DefaultChunkSize is CHANNEL_CHUNK_LENGTH, the maximum chunk payload when
// the endpoints have not negotiated a larger one.
const DefaultChunkSize = 1600

// ErrShortChunk indicates channel data smaller than its 8-byte header.
var ErrShortChunk = errors.New("short channel chunk")

// ErrOversizeMessage indicates a reassembled message exceeding the length
// announced in the first chunk.
var ErrOversizeMessage = errors.New("channel message exceeds declared length")

// ChannelPDUHeader is the CHANNEL_PDU_HEADER preceding every chunk.
type ChannelPDUHeader struct {
	Length uint32 // total length of the uncompressed message
	Flags  uint32
}

// Serialize encodes the header to wire format.
func (h *ChannelPDUHeader) Serialize() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)

	return buf
}

// Deserialize decodes the header from wire format.
func (h *ChannelPDUHeader) Deserialize(wire io.Reader) error {
	if err := binary.Read(wire, binary.LittleEndian, &h.Length); err != nil {
		return fmt.Errorf("channel header length: %w", err)
	}

	if err := binary.Read(wire, binary.LittleEndian, &h.Flags); err != nil {
		return fmt.Errorf("channel header flags: %w", err)
	}

	return nil
}

// IsFirst reports whether this chunk starts a message.
func (h *ChannelPDUHeader) IsFirst() bool {
	return h.Flags&ChannelFlagFirst != 0
}

// IsLast reports whether this chunk ends a message.
func (h *ChannelPDUHeader) IsLast() bool {
	return h.Flags&ChannelFlagLast != 0
}

// Chunk is one fragment of virtual channel data.
type Chunk struct {
	Header ChannelPDUHeader
	Data   []byte
}

// ParseChunk splits raw channel data into header and payload.
func ParseChunk(data []byte) (*Chunk, error) {
	if len(data) < 8 {
		return nil, ErrShortChunk
	}

	chunk := &Chunk{}
	if err := chunk.Header.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	chunk.Data = data[8:]

	return chunk, nil
}

// Serialize encodes the chunk to wire format.
func (c *Chunk) Serialize() []byte {
	buf := make([]byte, 8+len(c.Data))
	copy(buf[0:8], c.Header.Serialize())
	copy(buf[8:], c.Data)

	return buf
}

// Defragmenter reassembles fragmented channel messages. One instance
// tracks one channel in one direction.
type Defragmenter struct {
	buffer    bytes.Buffer
	totalLen  uint32
	receiving bool
}

// Process consumes a chunk and returns the complete message once the last
// chunk arrives. Chunks arriving outside a first/last bracket are dropped.
func (d *Defragmenter) Process(chunk *Chunk) ([]byte, bool, error) {
	if chunk.Header.IsFirst() {
		d.buffer.Reset()
		d.totalLen = chunk.Header.Length
		d.receiving = true
	}

	if !d.receiving {
		return nil, false, nil
	}

	d.buffer.Write(chunk.Data)

	if uint32(d.buffer.Len()) > d.totalLen { // #nosec G115
		d.receiving = false
		d.buffer.Reset()

		return nil, false, ErrOversizeMessage
	}

	if chunk.Header.IsLast() {
		d.receiving = false
		// never nil: an empty message is still a complete message
		message := make([]byte, d.buffer.Len())
		copy(message, d.buffer.Bytes())
		d.buffer.Reset()

		return message, true, nil
	}

	return nil, false, nil
}

// Fragment splits a complete message into wire-ready chunks of at most
// chunkSize payload bytes each. Flags other than first/last (show
// protocol and the like) are stamped on every chunk; the fragmentation
// bits in the argument are ignored. An empty message still yields one
// chunk flagged first and last.
func Fragment(message []byte, chunkSize int, flags uint32) [][]byte {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	total := uint32(len(message)) // #nosec G115
	carried := flags &^ (ChannelFlagFirst | ChannelFlagLast)

	var chunks [][]byte

	for offset := 0; ; offset += chunkSize {
		end := offset + chunkSize
		if end > len(message) {
			end = len(message)
		}

		flags := carried

		if offset == 0 {
			flags |= ChannelFlagFirst
		}

		if end == len(message) {
			flags |= ChannelFlagLast
		}

		chunk := &Chunk{
			Header: ChannelPDUHeader{Length: total, Flags: flags},
			Data:   message[offset:end],
		}
		chunks = append(chunks, chunk.Serialize())

		if end == len(message) {
			break
		}
	}

	return chunks
}
