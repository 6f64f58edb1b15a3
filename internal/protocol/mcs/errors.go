package mcs

import "errors"

var (
	// ErrDisconnectUltimatum indicates the peer sent a Disconnect Provider
	// Ultimatum; the domain is gone.
	ErrDisconnectUltimatum = errors.New("disconnect ultimatum")

	// ErrUnknownDomainApplication indicates a domain PDU with an
	// unrecognized application choice.
	ErrUnknownDomainApplication = errors.New("unknown domain application")

	// ErrShortPDU indicates a truncated MCS PDU.
	ErrShortPDU = errors.New("short mcs pdu")
)
