// Package mcs implements the Multipoint Communication Service (T.125)
// protocol layer of the RDP connection sequence as specified in MS-RDPBCGR.
// Both directions of every PDU are supported: the relay parses what a real
// client sends and re-emits it toward the real server, and vice versa.
package mcs

import (
	"bytes"
	"io"

	"github.com/rcarmo/rdp-relay/internal/protocol/encoding"
)

// Result codes (T.125 Result enumeration).
const (
	RTSuccessful uint8 = iota
	RTDomainMerging
	RTDomainNotHierarchical
	RTNoSuchChannel
	RTNoSuchDomain
	RTNoSuchUser
	RTNotAdmitted
	RTOtherUserId
	RTParametersUnacceptable
	RTTokenNotAvailable
	RTTokenNotPossessed
	RTTooManyChannels
	RTTooManyTokens
	RTTooManyUsers
	RTUnspecifiedFailure
	RTUserRejected
)

// Reason codes (T.125 Reason enumeration).
const (
	RNDomainDisconnected uint8 = iota
	RNProviderInitiated
	RNTokenPurged
	RNUserRequested
	RNChannelPurged
)

// Initiators (user ids) are PER-encoded with a minimum of 1001.
const initiatorMinimum = 1001

// DomainParameters is the T.125 DomainParameters sequence exchanged in
// Connect Initial/Response.
type DomainParameters struct {
	maxChannelIds   int
	maxUserIds      int
	maxTokenIds     int
	numPriorities   int
	minThroughput   int
	maxHeight       int
	maxMCSPDUsize   int
	protocolVersion int
}

// MaxMCSPDUSize returns the negotiated upper bound on one MCS PDU.
func (params *DomainParameters) MaxMCSPDUSize() int {
	return params.maxMCSPDUsize
}

func newTargetParameters() DomainParameters {
	return DomainParameters{
		maxChannelIds:   34,
		maxUserIds:      2,
		maxTokenIds:     0,
		numPriorities:   1,
		minThroughput:   0,
		maxHeight:       1,
		maxMCSPDUsize:   65535,
		protocolVersion: 2,
	}
}

func newMinimumParameters() DomainParameters {
	return DomainParameters{
		maxChannelIds:   1,
		maxUserIds:      1,
		maxTokenIds:     1,
		numPriorities:   1,
		minThroughput:   0,
		maxHeight:       1,
		maxMCSPDUsize:   1056,
		protocolVersion: 2,
	}
}

func newMaximumParameters() DomainParameters {
	return DomainParameters{
		maxChannelIds:   65535,
		maxUserIds:      64535,
		maxTokenIds:     65535,
		numPriorities:   1,
		minThroughput:   0,
		maxHeight:       1,
		maxMCSPDUsize:   65535,
		protocolVersion: 2,
	}
}

func newResponseParameters() DomainParameters {
	return DomainParameters{
		maxChannelIds:   34,
		maxUserIds:      3,
		maxTokenIds:     0,
		numPriorities:   1,
		minThroughput:   0,
		maxHeight:       1,
		maxMCSPDUsize:   65528,
		protocolVersion: 2,
	}
}

// Serialize encodes the domain parameters as a BER sequence.
func (params *DomainParameters) Serialize() []byte {
	content := new(bytes.Buffer)

	encoding.BerWriteInteger(params.maxChannelIds, content)
	encoding.BerWriteInteger(params.maxUserIds, content)
	encoding.BerWriteInteger(params.maxTokenIds, content)
	encoding.BerWriteInteger(params.numPriorities, content)
	encoding.BerWriteInteger(params.minThroughput, content)
	encoding.BerWriteInteger(params.maxHeight, content)
	encoding.BerWriteInteger(params.maxMCSPDUsize, content)
	encoding.BerWriteInteger(params.protocolVersion, content)

	buf := new(bytes.Buffer)
	encoding.BerWriteSequence(content.Bytes(), buf)

	return buf.Bytes()
}

// Deserialize decodes the domain parameters from a BER sequence.
func (params *DomainParameters) Deserialize(wire io.Reader) error {
	var err error

	if _, err = encoding.BerReadSequence(wire); err != nil {
		return err
	}

	if params.maxChannelIds, err = encoding.BerReadInteger(wire); err != nil {
		return err
	}

	if params.maxUserIds, err = encoding.BerReadInteger(wire); err != nil {
		return err
	}

	if params.maxTokenIds, err = encoding.BerReadInteger(wire); err != nil {
		return err
	}

	if params.numPriorities, err = encoding.BerReadInteger(wire); err != nil {
		return err
	}

	if params.minThroughput, err = encoding.BerReadInteger(wire); err != nil {
		return err
	}

	if params.maxHeight, err = encoding.BerReadInteger(wire); err != nil {
		return err
	}

	if params.maxMCSPDUsize, err = encoding.BerReadInteger(wire); err != nil {
		return err
	}

	params.protocolVersion, err = encoding.BerReadInteger(wire)

	return err
}
