package pdu

import "errors"

var (
	// ErrInvalidCorrelationID indicates a correlation ID that violates MS-RDPBCGR 2.2.1.1.2.
	ErrInvalidCorrelationID = errors.New("invalid correlationId")
	// ErrDeactivateAll indicates a Deactivate All PDU (MS-RDPBCGR 2.2.3.1).
	ErrDeactivateAll = errors.New("deactivate all")
	// ErrMissingNegotiationRequest indicates an X.224 Connection Request without an RDP_NEG_REQ.
	ErrMissingNegotiationRequest = errors.New("missing negotiation request")
	// ErrShortUserData indicates a truncated GCC user data block.
	ErrShortUserData = errors.New("short user data block")
)
