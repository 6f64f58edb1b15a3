package recording

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrBadFileHeader indicates a file that does not start with the
// recording magic.
var ErrBadFileHeader = errors.New("bad recording file header")

// ErrUnsupportedVersion indicates a recording written by an incompatible
// format version.
var ErrUnsupportedVersion = errors.New("unsupported recording version")

// ErrCorruptRecord indicates a record with a bad magic or an impossible
// length. The reader reports it once, then rescans forward to the next
// record magic so the rest of the file stays readable.
var ErrCorruptRecord = errors.New("corrupt record")

// Reader decodes a recording lazily, one record per Next call.
type Reader struct {
	src io.ReadSeeker
	buf *bufio.Reader

	// synced is set after a corruption rescan has already consumed the
	// next record's magic.
	synced bool
}

// NewReader validates the file header and positions the reader at the
// first record.
func NewReader(src io.ReadSeeker) (*Reader, error) {
	r := &Reader{src: src}
	if err := r.Reset(); err != nil {
		return nil, err
	}

	return r, nil
}

// Open opens a recording file for replay. The caller closes the file.
func Open(path string) (*Reader, *os.File, error) {
	file, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, nil, fmt.Errorf("opening recording: %w", err)
	}

	reader, err := NewReader(file)
	if err != nil {
		_ = file.Close()

		return nil, nil, err
	}

	return reader, file, nil
}

// Reset rewinds to the first record.
func (r *Reader) Reset() error {
	if _, err := r.src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking recording: %w", err)
	}

	r.buf = bufio.NewReader(r.src)

	header := make([]byte, 8)
	if _, err := io.ReadFull(r.buf, header); err != nil {
		return ErrBadFileHeader
	}

	if !bytes.Equal(header[:4], []byte(fileMagic)) {
		return ErrBadFileHeader
	}

	if version := binary.LittleEndian.Uint16(header[4:6]); version != fileVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	r.synced = false

	return nil
}

// Next returns the next record. A truncated final record yields io.EOF; a
// corrupt record yields ErrCorruptRecord once, after which Next resumes at
// the following record magic. Unknown kinds are returned, not rejected.
func (r *Reader) Next() (*Event, error) {
	header := make([]byte, recordHeaderLen)

	if r.synced {
		r.synced = false
	} else {
		if _, err := io.ReadFull(r.buf, header[:2]); err != nil {
			return nil, io.EOF
		}

		if binary.LittleEndian.Uint16(header[:2]) != recordMagic {
			r.resync()

			return nil, ErrCorruptRecord
		}
	}

	if _, err := io.ReadFull(r.buf, header[2:]); err != nil {
		return nil, io.EOF
	}

	length := binary.LittleEndian.Uint32(header[28:32])
	if length > maxPayloadLen {
		r.resync()

		return nil, ErrCorruptRecord
	}

	event := &Event{
		Kind:      Kind(binary.LittleEndian.Uint16(header[2:4])),
		Timestamp: binary.LittleEndian.Uint64(header[20:28]),
		Payload:   make([]byte, length),
	}
	copy(event.SessionID[:], header[4:20])

	if _, err := io.ReadFull(r.buf, event.Payload); err != nil {
		return nil, io.EOF
	}

	return event, nil
}

// resync scans forward until a full record magic has been consumed, then
// marks the reader synced so Next skips the magic it already ate.
func (r *Reader) resync() {
	lo, hi := byte(recordMagic&0xff), byte(recordMagic>>8)

	var prev byte

	havePrev := false

	for {
		b, err := r.buf.ReadByte()
		if err != nil {
			return
		}

		if havePrev && prev == lo && b == hi {
			r.synced = true

			return
		}

		prev, havePrev = b, true
	}
}

// ReadAll drains the reader, skipping corrupt records.
func ReadAll(r *Reader) ([]*Event, error) {
	var events []*Event

	for {
		event, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}

		if errors.Is(err, ErrCorruptRecord) {
			continue
		}

		if err != nil {
			return events, err
		}

		events = append(events, event)
	}
}

// FilterKind returns the events of one kind.
func FilterKind(events []*Event, kind Kind) []*Event {
	var out []*Event

	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}

	return out
}
