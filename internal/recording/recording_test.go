package recording

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// seekBuffer adapts a byte slice for the reader.
type seekBuffer struct {
	*bytes.Reader
}

func newSeekBuffer(b []byte) *seekBuffer {
	return &seekBuffer{Reader: bytes.NewReader(b)}
}

func writeTestRecording(t *testing.T, sessionID uuid.UUID, records []Event) []byte {
	t.Helper()

	out := new(bytes.Buffer)

	writer, err := NewWriter(out, sessionID)
	require.NoError(t, err)

	for _, r := range records {
		require.NoError(t, writer.Append(r.Kind, r.Payload))
	}

	return out.Bytes()
}

func TestWriterReaderRoundtrip(t *testing.T) {
	sessionID := uuid.New()

	wire := writeTestRecording(t, sessionID, []Event{
		{Kind: KindConnectionAttempt, Payload: []byte(`{"client":"10.0.0.1:50000"}`)},
		{Kind: KindClientPDU, Payload: []byte{0x03, 0x00, 0x00, 0x0B}},
		{Kind: KindKeystrokes, Payload: []byte(`{"text":"hunter2"}`)},
		{Kind: KindSessionClose, Payload: nil},
	})

	reader, err := NewReader(newSeekBuffer(wire))
	require.NoError(t, err)

	events, err := ReadAll(reader)
	require.NoError(t, err)
	require.Len(t, events, 4)

	require.Equal(t, KindConnectionAttempt, events[0].Kind)
	require.Equal(t, sessionID, events[0].SessionID)
	require.Equal(t, []byte{0x03, 0x00, 0x00, 0x0B}, events[1].Payload)
	require.Equal(t, KindSessionClose, events[3].Kind)
	require.Empty(t, events[3].Payload)
}

func TestWriterMonotonicTimestamps(t *testing.T) {
	out := new(bytes.Buffer)

	writer, err := NewWriter(out, uuid.New())
	require.NoError(t, err)

	// frozen clock: every stamp collides and must be nudged forward
	frozen := time.UnixMilli(1700000000000)
	writer.now = func() time.Time { return frozen }

	for i := 0; i < 5; i++ {
		require.NoError(t, writer.Append(KindKeystrokes, []byte{byte(i)}))
	}

	reader, err := NewReader(newSeekBuffer(out.Bytes()))
	require.NoError(t, err)

	events, err := ReadAll(reader)
	require.NoError(t, err)
	require.Len(t, events, 5)

	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Timestamp, events[i-1].Timestamp)
	}
}

func TestReaderTruncatedTail(t *testing.T) {
	wire := writeTestRecording(t, uuid.New(), []Event{
		{Kind: KindClipboard, Payload: []byte(`{"text":"paste"}`)},
		{Kind: KindClipboard, Payload: []byte(`{"text":"cut short"}`)},
	})

	// cut into the middle of the second record
	reader, err := NewReader(newSeekBuffer(wire[:len(wire)-5]))
	require.NoError(t, err)

	event, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, KindClipboard, event.Kind)

	_, err = reader.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderResyncAfterCorruption(t *testing.T) {
	// fixed session id and clock keep the wire bytes free of stray
	// record magics
	sessionID := uuid.MustParse("00010203-0405-0607-0809-0a0b0c0d0e0f")

	out := new(bytes.Buffer)

	writer, err := NewWriter(out, sessionID)
	require.NoError(t, err)

	clock := time.UnixMilli(0x0102030405)
	writer.now = func() time.Time { return clock }

	require.NoError(t, writer.Append(KindNegotiation, []byte(`{"selected":"ssl"}`)))
	require.NoError(t, writer.Append(KindCredentials, []byte(`{"username":"alice"}`)))

	wire := out.Bytes()

	// corrupt the first record's magic; the reader must report it once and
	// recover at the second record
	corrupted := append([]byte(nil), wire...)
	corrupted[8] = 0xFF

	reader, err := NewReader(newSeekBuffer(corrupted))
	require.NoError(t, err)

	_, err = reader.Next()
	require.ErrorIs(t, err, ErrCorruptRecord)

	event, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, KindCredentials, event.Kind)
	require.Equal(t, sessionID, event.SessionID)

	_, err = reader.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderImpossibleLength(t *testing.T) {
	wire := writeTestRecording(t, uuid.New(), []Event{
		{Kind: KindClientPDU, Payload: []byte{0x01}},
	})

	// overwrite the length field with an absurd value
	corrupted := append([]byte(nil), wire...)
	offset := 8 + 2 + 2 + 16 + 8
	corrupted[offset] = 0xFF
	corrupted[offset+1] = 0xFF
	corrupted[offset+2] = 0xFF
	corrupted[offset+3] = 0x7F

	reader, err := NewReader(newSeekBuffer(corrupted))
	require.NoError(t, err)

	_, err = reader.Next()
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestReaderReset(t *testing.T) {
	wire := writeTestRecording(t, uuid.New(), []Event{
		{Kind: KindFastPathInput, Payload: []byte{0x44}},
	})

	reader, err := NewReader(newSeekBuffer(wire))
	require.NoError(t, err)

	first, err := reader.Next()
	require.NoError(t, err)

	require.NoError(t, reader.Reset())

	again, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestReaderRejectsForeignFile(t *testing.T) {
	_, err := NewReader(newSeekBuffer([]byte("not a recording at all")))
	require.ErrorIs(t, err, ErrBadFileHeader)

	_, err = NewReader(newSeekBuffer([]byte{0x52}))
	require.ErrorIs(t, err, ErrBadFileHeader)
}

func TestReaderKeepsUnknownKinds(t *testing.T) {
	out := new(bytes.Buffer)

	writer, err := NewWriter(out, uuid.New())
	require.NoError(t, err)
	require.NoError(t, writer.Append(Kind(999), []byte("future payload")))

	reader, err := NewReader(newSeekBuffer(out.Bytes()))
	require.NoError(t, err)

	event, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, Kind(999), event.Kind)
	require.Equal(t, "unknown", event.Kind.String())
}

func TestFilterKind(t *testing.T) {
	events := []*Event{
		{Kind: KindKeystrokes},
		{Kind: KindClipboard},
		{Kind: KindKeystrokes},
	}

	require.Len(t, FilterKind(events, KindKeystrokes), 2)
	require.Len(t, FilterKind(events, KindCredentials), 0)
}
