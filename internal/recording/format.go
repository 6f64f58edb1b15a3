// Package recording implements the session recording file format: a flat
// append-only stream of timestamped records, one file per session. Any
// prefix of a valid file is readable up to the last complete record, so a
// recording survives a relay crash mid-session.
package recording

import "github.com/google/uuid"

// file header
const (
	fileMagic   = "RDPR"
	fileVersion = uint16(1)
)

// recordMagic precedes every record.
const recordMagic = uint16(0x5245)

// Kind identifies what a record's payload contains. Decoded kinds carry
// JSON; raw kinds carry PDU bytes as they crossed the wire.
type Kind uint16

const (
	KindConnectionAttempt Kind = iota + 1
	KindNegotiation
	KindClientPDU
	KindServerPDU
	KindFastPathInput
	KindFastPathOutput
	KindKeystrokes
	KindClipboard
	KindDeviceAnnounce
	KindChannelDecodeError
	KindHookFault
	KindCredentials
	KindSessionClose
)

var kindNames = map[Kind]string{
	KindConnectionAttempt:  "connection-attempt",
	KindNegotiation:        "negotiation",
	KindClientPDU:          "client-pdu",
	KindServerPDU:          "server-pdu",
	KindFastPathInput:      "fastpath-input",
	KindFastPathOutput:     "fastpath-output",
	KindKeystrokes:         "keystrokes",
	KindClipboard:          "clipboard",
	KindDeviceAnnounce:     "device-announce",
	KindChannelDecodeError: "channel-decode-error",
	KindHookFault:          "hook-fault",
	KindCredentials:        "credentials",
	KindSessionClose:       "session-close",
}

// String returns the kind's name; unknown kinds report their numeric value
// so recordings from newer relays stay readable.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return "unknown"
}

// Event is one decoded record.
type Event struct {
	Kind      Kind
	SessionID uuid.UUID
	Timestamp uint64 // milliseconds since the Unix epoch
	Payload   []byte
}

// record header size past the magic: kind(2) + sessionID(16) +
// timestamp(8) + length(4)
const recordHeaderLen = 2 + 2 + 16 + 8 + 4

// maxPayloadLen bounds a record's declared length; anything larger is
// treated as corruption rather than an allocation request.
const maxPayloadLen = 16 << 20
