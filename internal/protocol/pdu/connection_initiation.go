// Package pdu implements RDP Protocol Data Units for the connection sequence,
// settings exchange, input events, and licensing as specified in MS-RDPBCGR.
// Every structure the relay rewrites is implemented in both directions.
package pdu

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
)

// NegotiationType represents the type field in RDP negotiation structures (MS-RDPBCGR 2.2.1.1).
type NegotiationType uint8

const (
	// NegotiationTypeRequest TYPE_RDP_NEG_REQ
	NegotiationTypeRequest NegotiationType = 0x01

	// NegotiationTypeResponse TYPE_RDP_NEG_RSP
	NegotiationTypeResponse NegotiationType = 0x02

	// NegotiationTypeFailure TYPE_RDP_NEG_FAILURE
	NegotiationTypeFailure NegotiationType = 0x03
)

// IsRequest returns true if the type is a negotiation request.
func (t NegotiationType) IsRequest() bool {
	return t == NegotiationTypeRequest
}

// IsResponse returns true if the type is a negotiation response.
func (t NegotiationType) IsResponse() bool {
	return t == NegotiationTypeResponse
}

// IsFailure returns true if the type is a negotiation failure.
func (t NegotiationType) IsFailure() bool {
	return t == NegotiationTypeFailure
}

// NegotiationRequestFlag Protocol flags.
type NegotiationRequestFlag uint8

const (
	// NegReqFlagRestrictedAdminModeRequired RESTRICTED_ADMIN_MODE_REQUIRED
	NegReqFlagRestrictedAdminModeRequired NegotiationRequestFlag = 0x01

	// NegReqFlagRedirectedAuthenticationModeRequired REDIRECTED_AUTHENTICATION_MODE_REQUIRED
	NegReqFlagRedirectedAuthenticationModeRequired NegotiationRequestFlag = 0x02

	// NegReqFlagCorrelationInfoPresent CORRELATION_INFO_PRESENT
	NegReqFlagCorrelationInfoPresent NegotiationRequestFlag = 0x08
)

// IsCorrelationInfoPresent returns true if correlation info is present.
func (f NegotiationRequestFlag) IsCorrelationInfoPresent() bool {
	return f&NegReqFlagCorrelationInfoPresent == NegReqFlagCorrelationInfoPresent
}

// NegotiationProtocol Supported security protocol.
type NegotiationProtocol uint32

const (
	// NegotiationProtocolRDP PROTOCOL_RDP
	NegotiationProtocolRDP NegotiationProtocol = 0x00000000

	// NegotiationProtocolSSL PROTOCOL_SSL
	NegotiationProtocolSSL NegotiationProtocol = 0x00000001

	// NegotiationProtocolHybrid PROTOCOL_HYBRID
	NegotiationProtocolHybrid NegotiationProtocol = 0x00000002

	// NegotiationProtocolRDSTLS PROTOCOL_RDSTLS
	NegotiationProtocolRDSTLS NegotiationProtocol = 0x00000004

	// NegotiationProtocolHybridEx PROTOCOL_HYBRID_EX
	NegotiationProtocolHybridEx NegotiationProtocol = 0x00000008
)

// IsRDP returns true if the protocol is standard RDP security.
func (p NegotiationProtocol) IsRDP() bool {
	return p == NegotiationProtocolRDP
}

// IsSSL returns true if the protocol is TLS security.
func (p NegotiationProtocol) IsSSL() bool {
	return p == NegotiationProtocolSSL
}

// IsHybrid returns true if the protocol requests CredSSP (TLS + NLA).
func (p NegotiationProtocol) IsHybrid() bool {
	return p&(NegotiationProtocolHybrid|NegotiationProtocolHybridEx) != 0
}

// String returns a human-readable protocol list.
func (p NegotiationProtocol) String() string {
	if p == NegotiationProtocolRDP {
		return "RDP"
	}

	var names []string

	if p&NegotiationProtocolSSL != 0 {
		names = append(names, "SSL")
	}

	if p&NegotiationProtocolHybrid != 0 {
		names = append(names, "HYBRID")
	}

	if p&NegotiationProtocolRDSTLS != 0 {
		names = append(names, "RDSTLS")
	}

	if p&NegotiationProtocolHybridEx != 0 {
		names = append(names, "HYBRID_EX")
	}

	return strings.Join(names, "|")
}

// NegotiationRequest RDP Negotiation Request (RDP_NEG_REQ).
type NegotiationRequest struct {
	Flags              NegotiationRequestFlag // Protocol flags
	RequestedProtocols NegotiationProtocol    // supported security protocols
}

// Serialize encodes the negotiation request to wire format.
func (r NegotiationRequest) Serialize() []byte {
	const negReqLen = uint16(8)

	buf := bytes.NewBuffer(make([]byte, 0, negReqLen))

	buf.Write([]byte{
		byte(NegotiationTypeRequest), // type TYPE_RDP_NEG_REQ
		byte(r.Flags),                // flags
	})

	// length (always 8 bytes)
	_ = binary.Write(buf, binary.LittleEndian, negReqLen)

	// requestedProtocols
	_ = binary.Write(buf, binary.LittleEndian, r.RequestedProtocols)

	return buf.Bytes()
}

// Deserialize decodes the negotiation request body from wire format. The
// caller has already consumed the type byte.
func (r *NegotiationRequest) Deserialize(wire io.Reader) error {
	err := binary.Read(wire, binary.LittleEndian, &r.Flags)
	if err != nil {
		return err
	}

	var length uint16

	if err = binary.Read(wire, binary.LittleEndian, &length); err != nil {
		return err
	}

	return binary.Read(wire, binary.LittleEndian, &r.RequestedProtocols)
}

// NegotiationResponseFlag RDP Negotiation Response flags
type NegotiationResponseFlag uint8

const (
	// NegotiationResponseFlagECDBSupported EXTENDED_CLIENT_DATA_SUPPORTED
	NegotiationResponseFlagECDBSupported NegotiationResponseFlag = 0x01

	// NegotiationResponseFlagGFXSupported DYNVC_GFX_PROTOCOL_SUPPORTED
	NegotiationResponseFlagGFXSupported NegotiationResponseFlag = 0x02

	// NegotiationResponseFlagAdminModeSupported RESTRICTED_ADMIN_MODE_SUPPORTED
	NegotiationResponseFlagAdminModeSupported NegotiationResponseFlag = 0x08

	// NegotiationResponseFlagAuthModeSupported REDIRECTED_AUTHENTICATION_MODE_SUPPORTED
	NegotiationResponseFlagAuthModeSupported NegotiationResponseFlag = 0x10
)

// NegotiationFailureCode RDP Negotiation Failure failureCode
type NegotiationFailureCode uint32

const (
	// NegotiationFailureCodeSSLRequired SSL_REQUIRED_BY_SERVER
	NegotiationFailureCodeSSLRequired NegotiationFailureCode = 0x00000001

	// NegotiationFailureCodeSSLNotAllowed SSL_NOT_ALLOWED_BY_SERVER
	NegotiationFailureCodeSSLNotAllowed NegotiationFailureCode = 0x00000002

	// NegotiationFailureCodeSSLCertNotOnServer SSL_CERT_NOT_ON_SERVER
	NegotiationFailureCodeSSLCertNotOnServer NegotiationFailureCode = 0x00000003

	// NegotiationFailureCodeInconsistentFlags INCONSISTENT_FLAGS
	NegotiationFailureCodeInconsistentFlags NegotiationFailureCode = 0x00000004

	// NegotiationFailureCodeHybridRequired HYBRID_REQUIRED_BY_SERVER
	NegotiationFailureCodeHybridRequired NegotiationFailureCode = 0x00000005

	// NegotiationFailureCodeSSLWithUserAuthRequired SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER
	NegotiationFailureCodeSSLWithUserAuthRequired NegotiationFailureCode = 0x00000006
)

// NegotiationFailureCodeMap maps failure codes to their string representations.
var NegotiationFailureCodeMap = map[NegotiationFailureCode]string{
	NegotiationFailureCodeSSLRequired:             "SSL_REQUIRED_BY_SERVER",
	NegotiationFailureCodeSSLNotAllowed:           "SSL_NOT_ALLOWED_BY_SERVER",
	NegotiationFailureCodeSSLCertNotOnServer:      "SSL_CERT_NOT_ON_SERVER",
	NegotiationFailureCodeInconsistentFlags:       "INCONSISTENT_FLAGS",
	NegotiationFailureCodeHybridRequired:          "HYBRID_REQUIRED_BY_SERVER",
	NegotiationFailureCodeSSLWithUserAuthRequired: "SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER",
}

// String returns the string representation of the failure code.
func (c NegotiationFailureCode) String() string {
	return NegotiationFailureCodeMap[c]
}

// ClientConnectionRequest Client X.224 Connection Request PDU (MS-RDPBCGR 2.2.1.1).
type ClientConnectionRequest struct {
	RoutingToken       string // one of RoutingToken or Cookie ending CR+LF
	Cookie             string
	NegotiationRequest *NegotiationRequest // nil when the client sent no RDP_NEG_REQ
	CorrelationInfo    []byte              // raw RDP_NEG_CORRELATION_INFO, passed through
}

const (
	crlf         = "\r\n"
	cookieHeader = "Cookie: mstshash="
)

// Serialize encodes the connection request to wire format.
func (pdu *ClientConnectionRequest) Serialize() []byte {
	buf := new(bytes.Buffer)

	// routingToken or cookie
	if pdu.RoutingToken != "" {
		buf.WriteString(strings.Trim(pdu.RoutingToken, crlf) + crlf)
	} else if pdu.Cookie != "" {
		buf.WriteString(cookieHeader + strings.Trim(pdu.Cookie, crlf) + crlf)
	}

	// rdpNegReq
	if pdu.NegotiationRequest != nil {
		buf.Write(pdu.NegotiationRequest.Serialize())
	}

	// rdpCorrelationInfo
	buf.Write(pdu.CorrelationInfo)

	return buf.Bytes()
}

// Deserialize decodes the connection request from the X.224 CR variable part.
// Clients older than RDP 5.1 send only a cookie and no negotiation request.
func (pdu *ClientConnectionRequest) Deserialize(payload []byte) error {
	// optional routingToken or cookie line terminated by CR+LF
	if idx := bytes.Index(payload, []byte(crlf)); idx >= 0 {
		line := string(payload[:idx])
		payload = payload[idx+len(crlf):]

		if strings.HasPrefix(line, cookieHeader) {
			pdu.Cookie = strings.TrimPrefix(line, cookieHeader)
		} else {
			pdu.RoutingToken = line
		}
	}

	if len(payload) == 0 {
		return nil
	}

	if len(payload) < 8 || NegotiationType(payload[0]) != NegotiationTypeRequest {
		return ErrMissingNegotiationRequest
	}

	pdu.NegotiationRequest = &NegotiationRequest{}

	if err := pdu.NegotiationRequest.Deserialize(bytes.NewReader(payload[1:8])); err != nil {
		return err
	}

	// anything past the 8-byte RDP_NEG_REQ is correlation info
	if len(payload) > 8 {
		pdu.CorrelationInfo = payload[8:]
	}

	return nil
}

// ServerConnectionConfirm represents the Server X.224 Connection Confirm PDU (MS-RDPBCGR 2.2.1.2).
type ServerConnectionConfirm struct {
	Type  NegotiationType
	Flags NegotiationResponseFlag // RDP Negotiation Response flags
	data  uint32                  // selectedProtocol or failureCode
}

// NewNegotiationResponse creates a confirm carrying the given selected protocol.
func NewNegotiationResponse(flags NegotiationResponseFlag, selected NegotiationProtocol) *ServerConnectionConfirm {
	return &ServerConnectionConfirm{
		Type:  NegotiationTypeResponse,
		Flags: flags,
		data:  uint32(selected),
	}
}

// NewNegotiationFailure creates a confirm carrying the given failure code.
func NewNegotiationFailure(code NegotiationFailureCode) *ServerConnectionConfirm {
	return &ServerConnectionConfirm{
		Type: NegotiationTypeFailure,
		data: uint32(code),
	}
}

// SelectedProtocol returns the selected security protocol from the response.
func (pdu *ServerConnectionConfirm) SelectedProtocol() NegotiationProtocol {
	return NegotiationProtocol(pdu.data)
}

// SetSelectedProtocol overrides the selected security protocol.
func (pdu *ServerConnectionConfirm) SetSelectedProtocol(p NegotiationProtocol) {
	pdu.data = uint32(p)
}

// FailureCode returns the failure code if the negotiation failed.
func (pdu *ServerConnectionConfirm) FailureCode() NegotiationFailureCode {
	return NegotiationFailureCode(pdu.data)
}

// Serialize encodes the connection confirm to wire format.
func (pdu *ServerConnectionConfirm) Serialize() []byte {
	const negRspLen = uint16(8)

	buf := bytes.NewBuffer(make([]byte, 0, negRspLen))

	buf.Write([]byte{
		byte(pdu.Type),
		byte(pdu.Flags),
	})

	_ = binary.Write(buf, binary.LittleEndian, negRspLen)
	_ = binary.Write(buf, binary.LittleEndian, pdu.data)

	return buf.Bytes()
}

// Deserialize decodes the connection confirm from wire format.
func (pdu *ServerConnectionConfirm) Deserialize(wire io.Reader) error {
	err := binary.Read(wire, binary.LittleEndian, &pdu.Type)
	if err != nil {
		return err
	}

	err = binary.Read(wire, binary.LittleEndian, &pdu.Flags)
	if err != nil {
		return err
	}

	var length uint16

	err = binary.Read(wire, binary.LittleEndian, &length)
	if err != nil {
		return err
	}

	err = binary.Read(wire, binary.LittleEndian, &pdu.data)
	if err != nil {
		return err
	}

	return nil
}
