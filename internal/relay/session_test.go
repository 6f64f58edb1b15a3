package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-relay/internal/config"
	"github.com/rcarmo/rdp-relay/internal/protocol/cliprdr"
	"github.com/rcarmo/rdp-relay/internal/protocol/framing"
	"github.com/rcarmo/rdp-relay/internal/protocol/gcc"
	"github.com/rcarmo/rdp-relay/internal/protocol/mcs"
	"github.com/rcarmo/rdp-relay/internal/protocol/pdu"
	"github.com/rcarmo/rdp-relay/internal/protocol/rdpsec"
	"github.com/rcarmo/rdp-relay/internal/protocol/x224"
	"github.com/rcarmo/rdp-relay/internal/recording"
)

const (
	testUserID    uint16 = 1002
	testIOChannel uint16 = 1003
	testClipID    uint16 = 1004
	testOpaqueID  uint16 = 1005
	testShareID   uint32 = 0x0001000A
)

// endpoint drives one side of the relay from the test goroutine. Both fake
// peers run in lockstep with the session's two sides, so every helper can
// fail the test directly.
type endpoint struct {
	t    *testing.T
	conn *Connection
}

func (e *endpoint) writeTPDU(tpdu x224.TPDU) {
	e.t.Helper()
	require.NoError(e.t, e.conn.WriteFrame(framing.Frame{Kind: framing.KindTPKT, Payload: tpdu.Serialize()}))
}

func (e *endpoint) writeDomain(dom *mcs.DomainPDU) {
	e.t.Helper()
	e.writeTPDU(x224.TPDU{Code: x224.TPDUData, Data: dom.Serialize()})
}

func (e *endpoint) readTPDU() x224.TPDU {
	e.t.Helper()

	frame, err := e.conn.ReadFrame()
	require.NoError(e.t, err)
	require.Equal(e.t, framing.KindTPKT, frame.Kind)

	tpdu, err := x224.Parse(frame.Payload)
	require.NoError(e.t, err)

	return tpdu
}

func (e *endpoint) readDomain() *mcs.DomainPDU {
	e.t.Helper()

	tpdu := e.readTPDU()
	require.True(e.t, tpdu.IsData())

	dom, err := mcs.ParseDomainPDU(tpdu.Data)
	require.NoError(e.t, err)

	return dom
}

func (e *endpoint) readSendData(channelID uint16) *mcs.SendDataPDU {
	e.t.Helper()

	dom := e.readDomain()
	require.NotNil(e.t, dom.SendData)
	require.Equal(e.t, channelID, dom.SendData.ChannelId)

	return dom.SendData
}

func testChannelDef(name string) pdu.ChannelDefinitionStructure {
	var def pdu.ChannelDefinitionStructure

	copy(def.Name[:], name)

	return def
}

// clientGCCBlocks builds the Connect Initial user data the way a real
// client does: core, security and network blocks concatenated.
func clientGCCBlocks() []byte {
	core := pdu.ClientCoreData{
		Version:       0x00080004,
		DesktopWidth:  1280,
		DesktopHeight: 720,
	}

	network := pdu.ClientNetworkData{
		ChannelCount: 2,
		ChannelDefArray: []pdu.ChannelDefinitionStructure{
			testChannelDef(ChannelClipboard),
			testChannelDef("tsmf"),
		},
	}

	buf := new(bytes.Buffer)
	buf.Write(core.Serialize())
	buf.Write(pdu.ClientSecurityData{}.Serialize())
	buf.Write(network.Serialize())

	return buf.Bytes()
}

func serverGCCBlocks() []byte {
	data := pdu.ServerUserData{
		ServerCoreData: &pdu.ServerCoreData{Version: 0x00080004, DataLen: 4},
		ServerNetworkData: &pdu.ServerNetworkData{
			MCSChannelId:   testIOChannel,
			ChannelIdArray: []uint16{testClipID, testOpaqueID},
		},
		ServerSecurityData: &pdu.ServerSecurityData{},
	}

	return data.Serialize()
}

func shareControlPDU(pduType pdu.Type, body []byte) []byte {
	header := pdu.ShareControlHeader{
		TotalLength: uint16(6 + len(body)),
		PDUType:     pduType,
		PDUSource:   testUserID,
	}

	return append(header.Serialize(), body...)
}

func demandActiveWire() []byte {
	body := (&pdu.DemandActive{
		ShareID:          testShareID,
		SourceDescriptor: []byte("RDP"),
		CapabilitySets: []pdu.CapabilitySet{
			{Type: pdu.CapabilitySetTypeGeneral, Data: make([]byte, 20)},
			{Type: pdu.CapabilitySetTypeInput, Data: make([]byte, 8)},
		},
	}).Serialize()

	return shareControlPDU(pdu.TypeDemandActive, body)
}

func confirmActiveWire() []byte {
	body := (&pdu.ConfirmActive{
		ShareID:          testShareID,
		OriginatorID:     testUserID,
		SourceDescriptor: []byte("RDP"),
		CapabilitySets: []pdu.CapabilitySet{
			{Type: pdu.CapabilitySetTypeGeneral, Data: make([]byte, 20)},
			{Type: pdu.CapabilitySetTypeInput, Data: make([]byte, 8)}, // no fast-path flags
		},
	}).Serialize()

	return shareControlPDU(pdu.TypeConfirmActive, body)
}

// TestSessionRelaysPlainRDP walks a complete standard-security-off connection
// sequence through the relay and exercises the active phase: credential
// replacement, clipboard rewriting, opaque channel passthrough and keystroke
// capture, all checked against the recording the session leaves behind.
func TestSessionRelaysPlainRDP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer listener.Close()

	recordingDir := t.TempDir()

	cfg := config.Config{}
	cfg.Relay.TargetAddr = listener.Addr().String()
	cfg.Relay.DialTimeout = 2 * time.Second
	cfg.Relay.HookBudget = time.Second
	cfg.Relay.VCChunkSize = 1600
	cfg.Recording.Enabled = true
	cfg.Recording.Dir = recordingDir
	cfg.Intercept.ReplaceUsername = "honeypot"

	clientConn, relayConn := net.Pipe()

	defer clientConn.Close()

	session, err := NewSession(relayConn, Options{Config: cfg})
	require.NoError(t, err)

	// Uppercase every clipboard transfer crossing the relay.
	session.RegisterHook(
		func(e *Event) bool { return e.Kind == EventClipboard },
		func(e *Event) Verdict {
			text := e.Payload.(*cliprdr.TextEvent)
			e.Payload = &cliprdr.TextEvent{FormatID: text.FormatID, Text: strings.ToUpper(text.Text)}

			return VerdictRewrite
		},
	)

	runErr := make(chan error, 1)

	go func() { runErr <- session.Run(context.Background()) }()

	client := &endpoint{t: t, conn: NewConnection(clientConn, 0)}

	// X.224 connection request, cookie only. No negotiation request means
	// the relay answers with a bare confirm and the leg stays plaintext.
	client.writeTPDU(x224.TPDU{
		Code: x224.TPDUConnectionRequest,
		Data: (&pdu.ClientConnectionRequest{Cookie: "testuser"}).Serialize(),
	})

	serverConn, err := listener.Accept()
	require.NoError(t, err)

	defer serverConn.Close()

	server := &endpoint{t: t, conn: NewConnection(serverConn, 0)}

	forwarded := server.readTPDU()
	require.True(t, forwarded.IsConnectionRequest())

	request := &pdu.ClientConnectionRequest{}
	require.NoError(t, request.Deserialize(forwarded.Data))
	require.Equal(t, "testuser", request.Cookie)
	require.Nil(t, request.NegotiationRequest)

	server.writeTPDU(x224.TPDU{Code: x224.TPDUConnectionConfirm})

	confirm := client.readTPDU()
	require.True(t, confirm.IsConnectionConfirm())
	require.Empty(t, confirm.Data)

	// MCS Connect Initial / Connect Response with GCC user data.
	initialWire := mcs.NewConnectInitial(gcc.NewConferenceCreateRequest(clientGCCBlocks()).Serialize())
	client.writeTPDU(x224.TPDU{Code: x224.TPDUData, Data: initialWire.Serialize()})

	tpdu := server.readTPDU()
	require.True(t, tpdu.IsData())

	initial := &mcs.ConnectInitial{}
	require.NoError(t, initial.Deserialize(bytes.NewReader(tpdu.Data)))

	conference := &gcc.ConferenceCreateRequest{}
	require.NoError(t, conference.Deserialize(bytes.NewReader(initial.UserData)))

	clientData := &pdu.ClientUserDataSet{}
	require.NoError(t, clientData.Deserialize(bytes.NewReader(conference.UserData)))
	require.Equal(t, uint32(pdu.NegotiationProtocolRDP), clientData.ClientCoreData.ServerSelectedProtocol)
	require.Equal(t, []string{ChannelClipboard, "tsmf"}, clientData.ClientNetworkData.ChannelNames())

	responseWire := mcs.NewConnectResponse(gcc.NewConferenceCreateResponse(serverGCCBlocks()).Serialize())
	server.writeTPDU(x224.TPDU{Code: x224.TPDUData, Data: responseWire.Serialize()})

	tpdu = client.readTPDU()
	require.True(t, tpdu.IsData())

	response := &mcs.ConnectResponse{}
	require.NoError(t, response.Deserialize(bytes.NewReader(tpdu.Data)))

	ccr := &gcc.ConferenceCreateResponse{}
	require.NoError(t, ccr.Deserialize(bytes.NewReader(response.UserData)))

	serverData := &pdu.ServerUserData{}
	require.NoError(t, serverData.Deserialize(bytes.NewReader(ccr.UserData)))
	require.Equal(t, testIOChannel, serverData.ServerNetworkData.MCSChannelId)
	require.Equal(t, []uint16{testClipID, testOpaqueID}, serverData.ServerNetworkData.ChannelIdArray)
	require.Zero(t, serverData.ServerSecurityData.EncryptionMethod)
	require.Nil(t, serverData.ServerMultitransportChannelData)

	// Channel connection: erect, attach, joins, relayed verbatim.
	client.writeDomain(&mcs.DomainPDU{Application: mcs.ErectDomainRequest})
	client.writeDomain(&mcs.DomainPDU{Application: mcs.AttachUserRequest})

	require.Equal(t, mcs.ErectDomainRequest, server.readDomain().Application)
	require.Equal(t, mcs.AttachUserRequest, server.readDomain().Application)

	server.writeDomain(&mcs.DomainPDU{
		Application:       mcs.AttachUserConfirm,
		AttachUserConfirm: &mcs.AttachUserConfirmPDU{Initiator: testUserID},
	})

	attach := client.readDomain()
	require.Equal(t, mcs.AttachUserConfirm, attach.Application)
	require.Equal(t, testUserID, attach.AttachUserConfirm.Initiator)

	for _, id := range []uint16{testIOChannel, testClipID, testOpaqueID} {
		client.writeDomain(&mcs.DomainPDU{
			Application: mcs.ChannelJoinRequest,
			ChannelJoin: &mcs.ChannelJoinPDU{Initiator: testUserID, ChannelId: id},
		})

		join := server.readDomain()
		require.Equal(t, mcs.ChannelJoinRequest, join.Application)
		require.Equal(t, id, join.ChannelJoin.ChannelId)

		server.writeDomain(&mcs.DomainPDU{
			Application: mcs.ChannelJoinConfirm,
			ChannelJoin: &mcs.ChannelJoinPDU{Initiator: testUserID, ChannelId: id},
		})

		joined := client.readDomain()
		require.Equal(t, mcs.ChannelJoinConfirm, joined.Application)
		require.Equal(t, id, joined.ChannelJoin.ChannelId)
	}

	// Client info: the relay swaps the username in before forwarding.
	info := &pdu.ClientInfo{Domain: "CORP", UserName: "alice", Password: "hunter2"}
	client.writeDomain(mcs.NewSendDataRequest(testUserID, testIOChannel,
		rdpsec.WrapFlags(rdpsec.SecInfoPkt, info.Serialize())))

	sd := server.readSendData(testIOChannel)

	flags, body, err := rdpsec.SplitFlags(sd.Data)
	require.NoError(t, err)
	require.NotZero(t, flags&rdpsec.SecInfoPkt)

	received := &pdu.ClientInfo{}
	require.NoError(t, received.Deserialize(bytes.NewReader(body)))
	require.Equal(t, "honeypot", received.UserName)
	require.Equal(t, "CORP", received.Domain)
	require.Equal(t, "hunter2", received.Password)

	// Server licensing is terminated by the relay: the server's PDU never
	// crosses, the client gets an immediate success.
	server.writeDomain(mcs.NewSendDataIndication(testUserID, testIOChannel,
		rdpsec.WrapFlags(rdpsec.SecLicensePkt, pdu.NewLicenseSuccess().Serialize())))

	sd = client.readSendData(testIOChannel)

	flags, body, err = rdpsec.SplitFlags(sd.Data)
	require.NoError(t, err)
	require.NotZero(t, flags&rdpsec.SecLicensePkt)

	license := &pdu.ServerLicenseError{}
	require.NoError(t, license.Deserialize(bytes.NewReader(body)))
	require.True(t, license.IsValidClient())

	// Capability exchange.
	server.writeDomain(mcs.NewSendDataIndication(testUserID, testIOChannel, demandActiveWire()))

	sd = client.readSendData(testIOChannel)

	wire := bytes.NewReader(sd.Data)

	var header pdu.ShareControlHeader
	require.NoError(t, header.Deserialize(wire))
	require.True(t, header.PDUType.IsDemandActive())

	demand := &pdu.DemandActive{}
	require.NoError(t, demand.Deserialize(wire))
	require.Equal(t, testShareID, demand.ShareID)

	client.writeDomain(mcs.NewSendDataRequest(testUserID, testIOChannel, confirmActiveWire()))

	sd = server.readSendData(testIOChannel)

	wire = bytes.NewReader(sd.Data)
	require.NoError(t, header.Deserialize(wire))
	require.True(t, header.PDUType.IsConfirmActive())

	// Active phase. Clipboard: the format data request crosses untouched,
	// the response comes back uppercased by the hook.
	client.writeDomain(mcs.NewSendDataRequest(testUserID, testClipID,
		singleChunk(clipboardRequest(cliprdr.FormatText))))

	sd = server.readSendData(testClipID)

	forwardedReq, err := cliprdr.ParseMessage(sd.Data[8:]) // past the chunk header
	require.NoError(t, err)
	require.Equal(t, cliprdr.MsgTypeFormatDataRequest, forwardedReq.Header.MsgType)

	server.writeDomain(mcs.NewSendDataIndication(testUserID, testClipID,
		singleChunk(clipboardResponse([]byte("secret\x00")))))

	sd = client.readSendData(testClipID)

	rewritten, err := cliprdr.ParseMessage(sd.Data[8:])
	require.NoError(t, err)
	require.Equal(t, cliprdr.MsgTypeFormatDataResponse, rewritten.Header.MsgType)

	text, err := cliprdr.DecodeText(cliprdr.FormatText, rewritten.Body)
	require.NoError(t, err)
	require.Equal(t, "SECRET", text)

	// Traffic on a channel the server never confirmed crosses verbatim.
	unknown := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	client.writeDomain(mcs.NewSendDataRequest(testUserID, 1999, unknown))
	require.Equal(t, unknown, server.readSendData(1999).Data)

	// Slow-path keystrokes are forwarded and land in the recording.
	input := pdu.NewInput(testShareID, testUserID, []pdu.SlowPathInputEvent{
		{MessageType: pdu.InputEventScanCode, KeyboardFlags: pdu.KbdFlagsDown, KeyCode: 0x23},
		{MessageType: pdu.InputEventScanCode, KeyboardFlags: pdu.KbdFlagsRelease, KeyCode: 0x23},
		{MessageType: pdu.InputEventScanCode, KeyboardFlags: pdu.KbdFlagsDown, KeyCode: 0x17},
		{MessageType: pdu.InputEventScanCode, KeyboardFlags: pdu.KbdFlagsRelease, KeyCode: 0x17},
	})
	client.writeDomain(mcs.NewSendDataRequest(testUserID, testIOChannel, input.Serialize()))

	sd = server.readSendData(testIOChannel)

	forwardedInput := &pdu.Data{}
	require.NoError(t, forwardedInput.Deserialize(bytes.NewReader(sd.Data)))
	require.NotNil(t, forwardedInput.InputPDUData)
	require.Len(t, forwardedInput.InputPDUData.Events, 4)

	// Hang up and let the session drain.
	require.NoError(t, clientConn.Close())

	select {
	case err := <-runErr:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after client close")
	}

	verifySessionRecording(t, filepath.Join(recordingDir, session.ID.String()+".rdpr"))
}

func verifySessionRecording(t *testing.T, path string) {
	t.Helper()

	file, err := os.Open(path)
	require.NoError(t, err)

	defer file.Close()

	reader, err := recording.NewReader(file)
	require.NoError(t, err)

	events, err := recording.ReadAll(reader)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	require.Len(t, recording.FilterKind(events, recording.KindConnectionAttempt), 1)
	require.Len(t, recording.FilterKind(events, recording.KindNegotiation), 1)
	require.Len(t, recording.FilterKind(events, recording.KindSessionClose), 1)

	creds := recording.FilterKind(events, recording.KindCredentials)
	require.Len(t, creds, 1)

	var credRecord credentialsRecord

	require.NoError(t, json.Unmarshal(creds[0].Payload, &credRecord))
	require.Equal(t, "alice", credRecord.Username)
	require.Equal(t, "hunter2", credRecord.Password)
	require.True(t, credRecord.Replaced)

	var typed string

	for _, event := range recording.FilterKind(events, recording.KindKeystrokes) {
		var record keystrokesRecord

		require.NoError(t, json.Unmarshal(event.Payload, &record))

		typed += record.Text
	}

	require.Equal(t, "hi", typed)

	clips := recording.FilterKind(events, recording.KindClipboard)
	require.Len(t, clips, 2)

	var observed, sent clipboardRecord

	require.NoError(t, json.Unmarshal(clips[0].Payload, &observed))
	require.NoError(t, json.Unmarshal(clips[1].Payload, &sent))
	require.Equal(t, "observed", observed.Stage)
	require.Equal(t, "secret", observed.Text)
	require.Equal(t, "forwarded", sent.Stage)
	require.Equal(t, "SECRET", sent.Text)

	require.NotEmpty(t, recording.FilterKind(events, recording.KindClientPDU))

	// the licensing exchange the relay swallowed is still on record
	require.NotEmpty(t, recording.FilterKind(events, recording.KindServerPDU))
}
