package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateAdvance(t *testing.T) {
	s := StateIdle

	require.NoError(t, s.advance(StateTransportHandshake))
	require.NoError(t, s.advance(StateChannelConnection))
	require.NoError(t, s.advance(StateSecurityExchange))
	require.NoError(t, s.advance(StateCapabilityExchange))
	require.NoError(t, s.advance(StateActive))
	require.Equal(t, StateActive, s)
}

func TestStateAdvanceBackwardRejected(t *testing.T) {
	s := StateSecurityExchange

	err := s.advance(StateTransportHandshake)
	require.ErrorIs(t, err, ErrUnexpectedPDU)
	require.Equal(t, StateSecurityExchange, s)
}

func TestStateClosedReachableFromAnywhere(t *testing.T) {
	for _, from := range []State{StateIdle, StateChannelConnection, StateActive} {
		s := from
		require.NoError(t, s.advance(StateClosed))
		require.Equal(t, StateClosed, s)
	}
}

func TestStateExpect(t *testing.T) {
	s := StateChannelConnection

	require.NoError(t, s.expect(StateChannelConnection))
	require.ErrorIs(t, s.expect(StateActive), ErrUnexpectedPDU)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "security-exchange", StateSecurityExchange.String())
	require.Equal(t, "state 42", State(42).String())
}
