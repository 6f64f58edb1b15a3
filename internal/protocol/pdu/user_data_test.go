package pdu

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-relay/internal/protocol/encoding"
)

func testClientCoreData() *ClientCoreData {
	core := &ClientCoreData{
		Version:              0x00080004,
		DesktopWidth:         1920,
		DesktopHeight:        1080,
		ColorDepth:           0xCA01,
		SASSequence:          0xAA03,
		KeyboardLayout:       0x0409,
		ClientBuild:          18363,
		HighColorDepth:       24,
		SupportedColorDepths: 0x0007,
		EarlyCapabilityFlags: ECFSupportErrInfoPDU,
		DataLen:              212, // through ServerSelectedProtocol
	}

	copy(core.ClientName[:], encoding.EncodeUTF16("WORKSTATION7"))

	return core
}

func TestClientCoreDataRoundtrip(t *testing.T) {
	core := testClientCoreData()
	wire := core.Serialize()

	// header declares the truncated size
	require.Len(t, wire, 4+212)

	var parsed ClientCoreData

	require.NoError(t, parsed.Deserialize(wire[4:]))
	require.Equal(t, *core, parsed)
	require.Equal(t, "WORKSTATION7", parsed.ClientNameString())
}

func TestClientCoreDataProtocolPatch(t *testing.T) {
	core := testClientCoreData()

	var parsed ClientCoreData

	require.NoError(t, parsed.Deserialize(core.Serialize()[4:]))

	parsed.ServerSelectedProtocol = 0 // PROTOCOL_RDP

	var patched ClientCoreData

	require.NoError(t, patched.Deserialize(parsed.Serialize()[4:]))
	require.Zero(t, patched.ServerSelectedProtocol)
	require.Equal(t, uint16(1920), patched.DesktopWidth)
}

func TestClientUserDataSetRoundtrip(t *testing.T) {
	set := ClientUserDataSet{
		ClientCoreData: testClientCoreData(),
		ClientSecurityData: &ClientSecurityData{
			EncryptionMethods: EncryptionMethodFlag128Bit | EncryptionMethodFlag40Bit,
		},
		ClientNetworkData: &ClientNetworkData{
			ChannelCount: 2,
			ChannelDefArray: []ChannelDefinitionStructure{
				{Name: [8]byte{'c', 'l', 'i', 'p', 'r', 'd', 'r'}, Options: 0xA0C0_0000},
				{Name: [8]byte{'r', 'd', 'p', 'd', 'r'}, Options: 0x8080_0000},
			},
		},
		order: []uint16{UserDataTypeCSCore, UserDataTypeCSSecurity, UserDataTypeCSNet},
	}

	var parsed ClientUserDataSet

	require.NoError(t, parsed.Deserialize(bytes.NewReader(set.Serialize())))
	require.Equal(t, set, parsed)
	require.Equal(t, []string{"cliprdr", "rdpdr"}, parsed.ClientNetworkData.ChannelNames())

	// byte-for-byte stable re-serialization
	require.Equal(t, set.Serialize(), parsed.Serialize())
}

func TestClientUserDataSetPreservesUnknownBlocks(t *testing.T) {
	monitor := RawUserData{Type: 0xC005, Data: []byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}}

	wire := new(bytes.Buffer)
	wire.Write(testClientCoreData().Serialize())
	wire.Write(monitor.Serialize())

	var parsed ClientUserDataSet

	require.NoError(t, parsed.Deserialize(bytes.NewReader(wire.Bytes())))
	require.Len(t, parsed.Extra, 1)
	require.Equal(t, monitor, parsed.Extra[0])
	require.Equal(t, wire.Bytes(), parsed.Serialize())
}

func testServerUserData() ServerUserData {
	return ServerUserData{
		ServerCoreData: &ServerCoreData{
			Version:                  0x00080004,
			ClientRequestedProtocols: 1,
			DataLen:                  8,
		},
		ServerNetworkData: &ServerNetworkData{
			MCSChannelId:   1003,
			ChannelIdArray: []uint16{1004, 1005, 1006},
		},
		ServerSecurityData: &ServerSecurityData{
			EncryptionMethod: EncryptionMethodFlag128Bit,
			EncryptionLevel:  2,
			ServerRandom:     bytes.Repeat([]byte{0x5A}, 32),
			ServerCertificate: NewProprietaryCertificate(&ServerProprietaryCertificate{
				DwSigAlgId:        0x0001,
				DwKeyAlgId:        0x0001,
				PublicKeyBlobType: 0x0006,
				PublicKeyBlob: RSAPublicKey{
					Magic:   0x31415352,
					KeyLen:  72,
					BitLen:  512,
					DataLen: 63,
					PubExp:  0x10001,
					Modulus: bytes.Repeat([]byte{0xA7}, 72),
				},
				SignatureBlobType: 0x0008,
				SignatureBlob:     bytes.Repeat([]byte{0x3C}, 72),
			}),
		},
	}
}

func TestServerUserDataRoundtrip(t *testing.T) {
	data := testServerUserData()

	var parsed ServerUserData

	require.NoError(t, parsed.Deserialize(bytes.NewReader(data.Serialize())))
	require.Equal(t, data.ServerCoreData, parsed.ServerCoreData)
	require.Equal(t, data.ServerNetworkData, parsed.ServerNetworkData)
	require.Equal(t, data.ServerSecurityData.EncryptionMethod, parsed.ServerSecurityData.EncryptionMethod)
	require.Equal(t, data.ServerSecurityData.ServerRandom, parsed.ServerSecurityData.ServerRandom)

	cert := parsed.ServerSecurityData.ServerCertificate
	require.NotNil(t, cert)
	require.NotNil(t, cert.ProprietaryCert)
	require.Equal(t, uint32(0x10001), cert.ProprietaryCert.PublicKeyBlob.PubExp)
}

func TestServerUserDataStripsMultitransport(t *testing.T) {
	data := testServerUserData()
	data.ServerMultitransportChannelData = &ServerMultitransportChannelData{Flags: 0x0101}

	var parsed ServerUserData

	require.NoError(t, parsed.Deserialize(bytes.NewReader(data.Serialize())))
	require.NotNil(t, parsed.ServerMultitransportChannelData)

	// dropping the block removes it from the re-serialized stream
	parsed.ServerMultitransportChannelData = nil

	var reparsed ServerUserData

	require.NoError(t, reparsed.Deserialize(bytes.NewReader(parsed.Serialize())))
	require.Nil(t, reparsed.ServerMultitransportChannelData)
	require.NotNil(t, reparsed.ServerNetworkData)
}

func TestServerSecurityDataPlain(t *testing.T) {
	data := ServerSecurityData{}
	wire := data.Serialize()

	require.Len(t, wire, 12) // header + method + level only

	var parsed ServerSecurityData

	blocks, err := readUserDataBlocks(bytes.NewReader(wire))
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.NoError(t, parsed.Deserialize(blocks[0].Data))
	require.Nil(t, parsed.ServerCertificate)
}

func TestServerNetworkDataOddChannelPadding(t *testing.T) {
	data := ServerNetworkData{MCSChannelId: 1003, ChannelIdArray: []uint16{1004}}
	wire := data.Serialize()

	// 4 header + 2 mcs + 2 count + 2 channel + 2 pad
	require.Len(t, wire, 12)

	var parsed ServerUserData

	require.NoError(t, parsed.Deserialize(bytes.NewReader(wire)))
	require.Equal(t, []uint16{1004}, parsed.ServerNetworkData.ChannelIdArray)
}
