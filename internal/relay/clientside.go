package relay

import (
	"bytes"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/rcarmo/rdp-relay/internal/certinfo"
	"github.com/rcarmo/rdp-relay/internal/protocol/framing"
	"github.com/rcarmo/rdp-relay/internal/protocol/gcc"
	"github.com/rcarmo/rdp-relay/internal/protocol/mcs"
	"github.com/rcarmo/rdp-relay/internal/protocol/pdu"
	"github.com/rcarmo/rdp-relay/internal/protocol/rdpsec"
	"github.com/rcarmo/rdp-relay/internal/protocol/x224"
	"github.com/rcarmo/rdp-relay/internal/recording"
	"github.com/rcarmo/rdp-relay/internal/sessions"
)

// clientSide impersonates a client toward the target server: it replays the
// intercepted connection sequence with NLA stripped, and once active pumps
// server traffic toward the client.
func (s *Session) clientSide() error {
	hello, err := wait(s.ctx, s.hello)
	if err != nil {
		return err
	}

	s.setState(sessions.StateConnecting)

	server, err := s.dialTarget()
	if err != nil {
		return err
	}

	confirm, err := s.negotiateWithServer(server, hello.request)
	if err != nil {
		return err
	}

	s.confirm <- confirm

	if confirm.failure != nil {
		return fmt.Errorf("%w: %s", ErrNegotiationFailed, confirm.failure.FailureCode())
	}

	clientGCC, err := wait(s.ctx, s.clientGCC)
	if err != nil {
		return err
	}

	serverData, err := s.exchangeGCC(server, clientGCC.userData, confirm.selected)
	if err != nil {
		return err
	}

	s.serverGCC <- serverGCCMsg{userData: serverData}

	return s.serverPhaseLoop(server)
}

// dialTarget opens the server leg and publishes it for teardown.
func (s *Session) dialTarget() (*Connection, error) {
	raw, err := net.DialTimeout("tcp", s.cfg.Relay.TargetAddr, s.cfg.Relay.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", s.cfg.Relay.TargetAddr, err)
	}

	server := NewConnection(raw, s.cfg.Relay.ReadBufferSize)
	s.serverConn.Store(server)

	s.log.Info("connected to %s", s.cfg.Relay.TargetAddr)

	return server, nil
}

// negotiateWithServer sends the downgraded X.224 CR and consumes the CC.
// Hybrid and RDSTLS bits are stripped so the server never demands NLA,
// which a middle hop cannot satisfy.
func (s *Session) negotiateWithServer(server *Connection, request *pdu.ClientConnectionRequest) (confirmMsg, error) {
	forwarded := *request

	if request.NegotiationRequest != nil {
		downgraded := *request.NegotiationRequest
		downgraded.RequestedProtocols &= pdu.NegotiationProtocolSSL
		forwarded.NegotiationRequest = &downgraded
	}

	tpdu := x224.TPDU{Code: x224.TPDUConnectionRequest, Data: forwarded.Serialize()}
	if err := server.WriteFrame(framing.Frame{Kind: framing.KindTPKT, Payload: tpdu.Serialize()}); err != nil {
		return confirmMsg{}, err
	}

	reply, err := s.readTPDU(server)
	if err != nil {
		return confirmMsg{}, err
	}

	if !reply.IsConnectionConfirm() {
		return confirmMsg{}, fmt.Errorf("%w: expected connection confirm, got code 0x%02X", ErrUnexpectedPDU, reply.Code)
	}

	selected := pdu.NegotiationProtocolRDP

	if len(reply.Data) > 0 {
		response := &pdu.ServerConnectionConfirm{}
		if err := response.Deserialize(bytes.NewReader(reply.Data)); err != nil {
			return confirmMsg{}, err
		}

		if response.Type.IsFailure() {
			s.log.Warn("server rejected negotiation: %s", response.FailureCode())

			return confirmMsg{server: server, failure: response}, nil
		}

		selected = response.SelectedProtocol()
	}

	msg := confirmMsg{server: server, selected: selected}

	if selected.IsSSL() {
		chain, err := server.StartTLSClient(s.targetTLSConfig())
		if err != nil {
			return confirmMsg{}, err
		}

		msg.certs = certinfo.SummarizeChain(chain)
		for _, cert := range msg.certs {
			s.log.Info("server certificate: %s", cert)
		}
	}

	s.log.Info("server leg negotiated %s", selected)

	return msg, nil
}

// targetTLSConfig builds the client TLS configuration for the server leg.
// Verification is intentionally off: the point of the relay is to sit
// between parties that have not exchanged trust with it.
func (s *Session) targetTLSConfig() *tls.Config {
	host := s.cfg.Security.TLSServerName
	if host == "" {
		host, _, _ = net.SplitHostPort(s.cfg.Relay.TargetAddr)
	}

	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, // #nosec G402
		MinVersion:         tls.VersionTLS10,
	}
}

// exchangeGCC forwards the client's Connect Initial with the core data
// patched to reflect the server leg's negotiated protocol, and unpacks the
// server's Connect Response.
func (s *Session) exchangeGCC(server *Connection, clientData *pdu.ClientUserDataSet, selected pdu.NegotiationProtocol) (*pdu.ServerUserData, error) {
	if clientData.ClientCoreData != nil {
		clientData.ClientCoreData.ServerSelectedProtocol = uint32(selected)
	}

	conference := gcc.NewConferenceCreateRequest(clientData.Serialize())
	initial := mcs.NewConnectInitial(conference.Serialize())

	if err := server.WriteFrame(framing.Frame{Kind: framing.KindTPKT, Payload: x224.WrapData(initial.Serialize())}); err != nil {
		return nil, err
	}

	reply, err := s.readTPDU(server)
	if err != nil {
		return nil, err
	}

	if !reply.IsData() {
		return nil, fmt.Errorf("%w: expected connect response", ErrUnexpectedPDU)
	}

	response := &mcs.ConnectResponse{}
	if err := response.Deserialize(bytes.NewReader(reply.Data)); err != nil {
		return nil, err
	}

	conferenceResponse := &gcc.ConferenceCreateResponse{}
	if err := conferenceResponse.Deserialize(bytes.NewReader(response.UserData)); err != nil {
		return nil, err
	}

	serverData := &pdu.ServerUserData{}
	if err := serverData.Deserialize(bytes.NewReader(conferenceResponse.UserData)); err != nil {
		return nil, err
	}

	if sec := serverData.ServerSecurityData; sec != nil && sec.EncryptionMethod != 0 {
		s.log.Info("server leg uses standard RDP security, method %#x", sec.EncryptionMethod)
	}

	return serverData, nil
}

// serverPhaseLoop relays the channel connection and capability exchange on
// the server leg, swallowing licensing, until the client's activation
// arrives; then it pumps server traffic toward the client.
func (s *Session) serverPhaseLoop(server *Connection) error {
	clientLeg := leg{conn: s.client}
	serverLeg := leg{conn: server}

	gotCiphers := false
	licensed := false

	for {
		frame, err := server.ReadFrame()
		if err != nil {
			return err
		}

		if frame.Kind == framing.KindFastPath {
			return fmt.Errorf("%w: fast-path output before activation", ErrUnexpectedPDU)
		}

		tpdu, err := x224.Parse(frame.Payload)
		if err != nil {
			return err
		}

		if tpdu.IsDisconnectRequest() {
			_ = s.client.WriteFrame(frame)

			return ErrConnectionClosed
		}

		if !tpdu.IsData() {
			return fmt.Errorf("%w: control tpdu from server during channel connection", ErrUnexpectedPDU)
		}

		dom, err := mcs.ParseDomainPDU(tpdu.Data)
		if err != nil {
			return err
		}

		switch dom.Application {
		case mcs.AttachUserConfirm, mcs.ChannelJoinConfirm:
			if err := s.client.WriteFrame(frame); err != nil {
				return err
			}
		case mcs.DisconnectProviderUltimatum:
			_ = s.client.WriteFrame(frame)

			return ErrConnectionClosed
		case mcs.SendDataIndication:
			sd := dom.SendData

			// RC4 keys appear only after the client's key exchange, which
			// the other side relays while this loop forwards join confirms.
			// Block at the first data PDU, not before.
			if !gotCiphers {
				msg, err := wait(s.ctx, s.ciphers)
				if err != nil {
					return err
				}

				clientLeg.cipher = msg.client
				serverLeg.cipher = msg.server
				gotCiphers = true
			}

			if !licensed {
				handled, err := s.handleLicensing(&clientLeg, sd)
				if err != nil {
					return err
				}

				if handled {
					licensed = true

					continue
				}
			}

			done, err := s.forwardPreActivation(&clientLeg, &serverLeg, sd)
			if err != nil {
				return err
			}

			if done {
				activation, err := wait(s.ctx, s.activation)
				if err != nil {
					return err
				}

				p := &pumpState{
					src:       serverLeg,
					dst:       clientLeg,
					direction: ServerToClient,
					mux:       activation.mux,
				}

				return s.pump(p)
			}
		default:
			return fmt.Errorf("%w: mcs %s from server during channel connection", ErrUnexpectedPDU, dom.Application)
		}
	}
}

// handleLicensing swallows the server's licensing phase and satisfies the
// client with an immediate success. The relay terminates licensing itself:
// the server already licensed the relay's leg, and forwarding its encrypted
// licensing PDUs across mismatched key pairs cannot work.
func (s *Session) handleLicensing(clientLeg *leg, sd *mcs.SendDataPDU) (bool, error) {
	// On TLS legs share control PDUs carry no security header, so their
	// length field could alias the license flag. The share control type
	// always carries protocol version 1 where a basic header has zeroed
	// flagsHi, which disambiguates the two.
	if looksLikeShareControl(sd.Data) {
		return false, nil
	}

	flags, _, err := rdpsec.SplitFlags(sd.Data)
	if err != nil || flags&rdpsec.SecLicensePkt == 0 {
		return false, nil
	}

	// Swallowed, not forwarded, but still part of what the server sent.
	s.rec.append(recording.KindServerPDU, sd.Data)
	s.log.Debug("licensing completed by relay")

	// Basic, unencrypted header: licensing always precedes the activation
	// PDUs, before SEC_ENCRYPT is required.
	payload := rdpsec.WrapFlags(rdpsec.SecLicensePkt, pdu.NewLicenseSuccess().Serialize())

	return true, clientLeg.writeChannel(false, sd.Initiator, sd.ChannelId, payload)
}

func looksLikeShareControl(data []byte) bool {
	if len(data) < 6 {
		return false
	}

	pduType := binary.LittleEndian.Uint16(data[2:4])

	return pduType>>4&0x0F == 1
}

// forwardPreActivation re-seals one server data PDU toward the client and
// reports whether it was the Demand Active, which ends this phase.
func (s *Session) forwardPreActivation(clientLeg, serverLeg *leg, sd *mcs.SendDataPDU) (bool, error) {
	plain, err := serverLeg.open(sd.Data)
	if err != nil {
		return false, err
	}

	var header pdu.ShareControlHeader
	if err := header.Deserialize(bytes.NewReader(plain)); err != nil {
		return false, err
	}

	if err := clientLeg.writeChannel(false, sd.Initiator, sd.ChannelId, clientLeg.seal(0, plain)); err != nil {
		return false, err
	}

	return header.PDUType.IsDemandActive(), nil
}
