// Package framing reassembles a raw RDP byte stream into discrete frames
// and re-serializes outgoing frames. RDP multiplexes two outer framings on
// one TCP stream: TPKT (RFC 1006) for slow-path traffic and the Fast-Path
// header (MS-RDPBCGR 2.2.9.1.2) for optimized input/output, discriminated
// by the first byte of each frame.
package framing

import (
	"errors"
	"fmt"

	"github.com/rcarmo/rdp-relay/internal/protocol/tpkt"
)

// ErrMalformedFrame indicates a declared frame length that is inconsistent
// with the protocol limits. Frame desynchronization cannot be repaired, so
// the connection owning the framer must be torn down.
var ErrMalformedFrame = errors.New("malformed frame")

// Kind discriminates the two outer framings.
type Kind uint8

const (
	// KindTPKT is a slow-path frame; Payload carries the X.224 TPDU.
	KindTPKT Kind = iota

	// KindFastPath is a fast-path frame; Payload carries the complete PDU
	// including its header, since the header flags are needed downstream.
	KindFastPath
)

// String returns the frame kind name.
func (k Kind) String() string {
	if k == KindTPKT {
		return "tpkt"
	}
	return "fastpath"
}

// Frame is one length-delimited unit of protocol data. Frames are never
// mutated after creation; rewriting produces a new Frame.
type Frame struct {
	Kind    Kind
	Payload []byte
}

const (
	fastPathHeaderMin = 2 // header byte + 1-byte length
	fastPathHeaderMax = 3 // header byte + 2-byte length
)

// Framer is the stateful per-connection reassembler. Partial frames are
// buffered across Feed calls. A Framer that has returned ErrMalformedFrame
// is dead: every later Feed returns the same error.
type Framer struct {
	buf  []byte
	dead error
}

// New returns an empty Framer.
func New() *Framer {
	return &Framer{}
}

// Feed appends bytes to the internal buffer and returns every frame that is
// now complete. The result is independent of how the byte stream is split
// across Feed calls.
func (f *Framer) Feed(p []byte) ([]Frame, error) {
	if f.dead != nil {
		return nil, f.dead
	}

	f.buf = append(f.buf, p...)

	var frames []Frame

	for {
		frame, n, err := f.next()
		if err != nil {
			f.dead = err
			f.buf = nil

			return frames, err
		}

		if n == 0 { // incomplete frame, wait for more bytes
			return frames, nil
		}

		frames = append(frames, frame)
		f.buf = f.buf[n:]
	}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// next inspects the buffer head and returns the first complete frame and
// its total encoded size, or n == 0 when more bytes are needed.
func (f *Framer) next() (Frame, int, error) {
	if len(f.buf) == 0 {
		return Frame{}, 0, nil
	}

	if f.buf[0] == tpkt.Version {
		return f.nextTPKT()
	}

	return f.nextFastPath()
}

func (f *Framer) nextTPKT() (Frame, int, error) {
	if len(f.buf) < tpkt.HeaderLen {
		return Frame{}, 0, nil
	}

	total, err := tpkt.ParseHeader(f.buf)
	if err != nil {
		return Frame{}, 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if total == tpkt.HeaderLen {
		return Frame{}, 0, fmt.Errorf("%w: empty tpkt frame", ErrMalformedFrame)
	}

	if len(f.buf) < total {
		return Frame{}, 0, nil
	}

	payload := make([]byte, total-tpkt.HeaderLen)
	copy(payload, f.buf[tpkt.HeaderLen:total])

	return Frame{Kind: KindTPKT, Payload: payload}, total, nil
}

func (f *Framer) nextFastPath() (Frame, int, error) {
	if len(f.buf) < fastPathHeaderMin {
		return Frame{}, 0, nil
	}

	headerLen := fastPathHeaderMin
	total := int(f.buf[1])

	if f.buf[1]&0x80 != 0 {
		if len(f.buf) < fastPathHeaderMax {
			return Frame{}, 0, nil
		}

		headerLen = fastPathHeaderMax
		total = int(f.buf[1]&0x7f)<<8 | int(f.buf[2])
	}

	// The declared length includes the header itself.
	if total < headerLen {
		return Frame{}, 0, fmt.Errorf("%w: fastpath length %d below header size", ErrMalformedFrame, total)
	}

	if len(f.buf) < total {
		return Frame{}, 0, nil
	}

	payload := make([]byte, total)
	copy(payload, f.buf[:total])

	return Frame{Kind: KindFastPath, Payload: payload}, total, nil
}

// Wrap re-serializes a frame to its wire format. For all frames produced by
// Feed, feeding Wrap's output back yields an identical frame.
func Wrap(frame Frame) []byte {
	if frame.Kind == KindTPKT {
		return tpkt.Wrap(frame.Payload)
	}

	out := make([]byte, len(frame.Payload))
	copy(out, frame.Payload)

	return out
}

// WrapFastPath builds a fast-path frame around a body, choosing the short
// length form when it fits. The header byte carries the action and flag
// bits; the body follows the length field.
func WrapFastPath(header byte, body []byte) []byte {
	// Try the 2-byte header first; switch to the 3-byte form when the total
	// no longer fits in 7 bits.
	total := fastPathHeaderMin + len(body)
	if total <= 0x7f {
		out := make([]byte, 0, total)
		out = append(out, header, byte(total))

		return append(out, body...)
	}

	total = fastPathHeaderMax + len(body)
	out := make([]byte, 0, total)
	out = append(out, header, byte(total>>8)|0x80, byte(total))

	return append(out, body...)
}

// FastPathBody splits a fast-path frame payload into its header byte and
// body, undoing WrapFastPath.
func FastPathBody(payload []byte) (header byte, body []byte, err error) {
	if len(payload) < fastPathHeaderMin {
		return 0, nil, fmt.Errorf("%w: fastpath frame too short", ErrMalformedFrame)
	}

	headerLen := fastPathHeaderMin
	if payload[1]&0x80 != 0 {
		headerLen = fastPathHeaderMax
	}

	if len(payload) < headerLen {
		return 0, nil, fmt.Errorf("%w: fastpath frame too short", ErrMalformedFrame)
	}

	return payload[0], payload[headerLen:], nil
}
