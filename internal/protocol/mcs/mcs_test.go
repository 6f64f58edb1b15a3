package mcs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectInitial_RoundTrip(t *testing.T) {
	userData := []byte{0x00, 0x05, 0x00, 0x14, 0x7c, 0x00, 0x01}

	pdu := NewConnectInitial(userData)
	wire := pdu.Serialize()

	var parsed ConnectInitial
	require.NoError(t, parsed.Deserialize(bytes.NewReader(wire)))

	require.Equal(t, pdu.CallingDomainSelector, parsed.CallingDomainSelector)
	require.Equal(t, pdu.CalledDomainSelector, parsed.CalledDomainSelector)
	require.Equal(t, pdu.UpwardFlag, parsed.UpwardFlag)
	require.Equal(t, pdu.TargetParameters, parsed.TargetParameters)
	require.Equal(t, pdu.MinimumParameters, parsed.MinimumParameters)
	require.Equal(t, pdu.MaximumParameters, parsed.MaximumParameters)
	require.Equal(t, userData, parsed.UserData)
}

func TestConnectInitial_LargeUserData(t *testing.T) {
	// GCC conference create requests routinely exceed 256 bytes, forcing
	// long-form BER lengths throughout.
	userData := bytes.Repeat([]byte{0xA5}, 420)

	var parsed ConnectInitial
	require.NoError(t, parsed.Deserialize(bytes.NewReader(NewConnectInitial(userData).Serialize())))
	require.Equal(t, userData, parsed.UserData)
}

func TestConnectInitial_RejectsWrongTag(t *testing.T) {
	wire := NewConnectResponse([]byte{0x01}).Serialize()

	var parsed ConnectInitial
	require.Error(t, parsed.Deserialize(bytes.NewReader(wire)))
}

func TestConnectResponse_RoundTrip(t *testing.T) {
	userData := []byte{0x0c, 0x01, 0x08, 0x00}

	pdu := NewConnectResponse(userData)
	wire := pdu.Serialize()

	var parsed ConnectResponse
	require.NoError(t, parsed.Deserialize(bytes.NewReader(wire)))

	require.Equal(t, RTSuccessful, parsed.Result)
	require.Equal(t, pdu.DomainParameters, parsed.DomainParameters)
	require.Equal(t, userData, parsed.UserData)
}

func TestDomainPDU_RoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pdu  DomainPDU
	}{
		{
			name: "erect domain request",
			pdu:  DomainPDU{Application: ErectDomainRequest},
		},
		{
			name: "attach user request",
			pdu:  DomainPDU{Application: AttachUserRequest},
		},
		{
			name: "attach user confirm",
			pdu: DomainPDU{
				Application:       AttachUserConfirm,
				AttachUserConfirm: &AttachUserConfirmPDU{Result: RTSuccessful, Initiator: 1007},
			},
		},
		{
			name: "channel join request",
			pdu: DomainPDU{
				Application: ChannelJoinRequest,
				ChannelJoin: &ChannelJoinPDU{Initiator: 1007, ChannelId: 1003},
			},
		},
		{
			name: "channel join confirm",
			pdu: DomainPDU{
				Application: ChannelJoinConfirm,
				ChannelJoin: &ChannelJoinPDU{Result: RTSuccessful, Initiator: 1007, ChannelId: 1005},
			},
		},
		{
			name: "send data request",
			pdu:  *NewSendDataRequest(1007, 1003, []byte{0x01, 0x02, 0x03}),
		},
		{
			name: "send data indication",
			pdu:  *NewSendDataIndication(1002, 1003, bytes.Repeat([]byte{0xEE}, 300)),
		},
		{
			name: "disconnect ultimatum user requested",
			pdu:  *NewDisconnectUltimatum(RNUserRequested),
		},
		{
			name: "disconnect ultimatum provider initiated",
			pdu:  *NewDisconnectUltimatum(RNProviderInitiated),
		},
		{
			name: "disconnect ultimatum channel purged",
			pdu:  *NewDisconnectUltimatum(RNChannelPurged),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := ParseDomainPDU(tc.pdu.Serialize())
			require.NoError(t, err)
			require.Equal(t, &tc.pdu, parsed)
		})
	}
}

func TestParseDomainPDU_KnownWire(t *testing.T) {
	// send data indication: initiator 1002, channel 1003, payload 04
	wire := []byte{0x68, 0x00, 0x01, 0x03, 0xEB, 0x70, 0x01, 0x04}

	pdu, err := ParseDomainPDU(wire)
	require.NoError(t, err)
	require.Equal(t, SendDataIndication, pdu.Application)
	require.Equal(t, uint16(1002), pdu.SendData.Initiator)
	require.Equal(t, uint16(1003), pdu.SendData.ChannelId)
	require.Equal(t, []byte{0x04}, pdu.SendData.Data)
}

func TestParseDomainPDU_DisconnectWire(t *testing.T) {
	// the canonical mstsc disconnect: reason rn-user-requested
	pdu, err := ParseDomainPDU([]byte{0x21, 0x80})
	require.NoError(t, err)
	require.Equal(t, DisconnectProviderUltimatum, pdu.Application)
	require.Equal(t, RNUserRequested, pdu.DisconnectProviderUltimatum.Reason)
}

func TestParseDomainPDU_Errors(t *testing.T) {
	testCases := []struct {
		name  string
		input []byte
	}{
		{name: "empty", input: nil},
		{name: "unknown application", input: []byte{0xFC, 0x00}},
		{name: "send data truncated", input: []byte{0x68, 0x00, 0x01, 0x03, 0xEB, 0x70, 0x7F, 0x01}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDomainPDU(tc.input)
			require.Error(t, err)
		})
	}
}
