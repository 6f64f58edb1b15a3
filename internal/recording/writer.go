package recording

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Writer appends records for one session. Safe for concurrent use; both
// forwarding directions of a session share one writer.
type Writer struct {
	mu        sync.Mutex
	out       io.Writer
	sessionID uuid.UUID
	lastStamp uint64
	now       func() time.Time
}

// NewWriter writes the file header and returns a writer stamping records
// with the given session ID.
func NewWriter(out io.Writer, sessionID uuid.UUID) (*Writer, error) {
	header := new(bytes.Buffer)
	header.WriteString(fileMagic)
	_ = binary.Write(header, binary.LittleEndian, fileVersion)
	_ = binary.Write(header, binary.LittleEndian, uint16(0)) // reserved

	if _, err := out.Write(header.Bytes()); err != nil {
		return nil, fmt.Errorf("writing recording header: %w", err)
	}

	return &Writer{out: out, sessionID: sessionID, now: time.Now}, nil
}

// Create opens a recording file for a session.
func Create(path string, sessionID uuid.UUID) (*Writer, *os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600) // #nosec G304
	if err != nil {
		return nil, nil, fmt.Errorf("creating recording file: %w", err)
	}

	writer, err := NewWriter(file, sessionID)
	if err != nil {
		_ = file.Close()

		return nil, nil, err
	}

	return writer, file, nil
}

// Append writes one record. Timestamps never decrease within a file; a
// stamp equal to or before the previous one is nudged forward 1ms so
// replay ordering matches capture ordering.
func (w *Writer) Append(kind Kind, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	stamp := uint64(w.now().UnixMilli()) // #nosec G115
	if stamp <= w.lastStamp {
		stamp = w.lastStamp + 1
	}

	w.lastStamp = stamp

	record := new(bytes.Buffer)
	record.Grow(recordHeaderLen + len(payload))

	_ = binary.Write(record, binary.LittleEndian, recordMagic)
	_ = binary.Write(record, binary.LittleEndian, uint16(kind))
	record.Write(w.sessionID[:])
	_ = binary.Write(record, binary.LittleEndian, stamp)
	_ = binary.Write(record, binary.LittleEndian, uint32(len(payload))) // #nosec G115
	record.Write(payload)

	if _, err := w.out.Write(record.Bytes()); err != nil {
		return fmt.Errorf("appending record: %w", err)
	}

	return nil
}
