package relay

import "fmt"

// State tracks one leg's progress through the RDP connection sequence.
// Both negotiation sides implement the same transition contract; each
// consumes exactly the PDU type its state expects.
type State int

const (
	StateIdle State = iota
	StateTransportHandshake
	StateChannelConnection
	StateSecurityExchange
	StateCapabilityExchange
	StateActive
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:               "idle",
	StateTransportHandshake: "transport-handshake",
	StateChannelConnection:  "channel-connection",
	StateSecurityExchange:   "security-exchange",
	StateCapabilityExchange: "capability-exchange",
	StateActive:             "active",
	StateClosed:             "closed",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("state %d", int(s))
}

// advance moves to a later state. Moving backward (other than into Closed,
// which is reachable from anywhere) is a programming error surfaced loudly
// rather than silently corrupting the sequence.
func (s *State) advance(to State) error {
	if to == StateClosed {
		*s = StateClosed

		return nil
	}

	if to < *s {
		return fmt.Errorf("%w: cannot move from %s back to %s", ErrUnexpectedPDU, *s, to)
	}

	*s = to

	return nil
}

// expect verifies the leg is in the given state before consuming a PDU.
func (s State) expect(want State) error {
	if s != want {
		return fmt.Errorf("%w: in %s, expected %s", ErrUnexpectedPDU, s, want)
	}

	return nil
}
