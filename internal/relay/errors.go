package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedPDU indicates a PDU arriving in a connection state that
	// does not expect it. The session is torn down; guessing at protocol
	// state is worse than failing.
	ErrUnexpectedPDU = errors.New("unexpected pdu for connection state")

	// ErrHookTimeout indicates an interception hook that exceeded its
	// processing budget. The event is forwarded unmodified.
	ErrHookTimeout = errors.New("hook exceeded processing budget")

	// ErrConnectionClosed indicates the peer closed its socket.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNegotiationFailed indicates the server rejected the connection
	// request; the failure was relayed to the client.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrSessionLimit indicates the configured session cap was reached.
	ErrSessionLimit = errors.New("session limit reached")
)

// ChannelDecodeError reports a virtual channel handler that failed to
// decode a message. The message is forwarded opaquely; the error is
// recorded for the operator.
type ChannelDecodeError struct {
	Channel string
	Err     error
}

func (e *ChannelDecodeError) Error() string {
	return fmt.Sprintf("decoding channel %q: %v", e.Channel, e.Err)
}

func (e *ChannelDecodeError) Unwrap() error {
	return e.Err
}
