package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rcarmo/rdp-relay/internal/protocol/encoding"
)

// User data header types (MS-RDPBCGR 2.2.1.3.1, 2.2.1.4.1).
const (
	UserDataTypeCSCore     uint16 = 0xC001
	UserDataTypeCSSecurity uint16 = 0xC002
	UserDataTypeCSNet      uint16 = 0xC003
	UserDataTypeCSCluster  uint16 = 0xC004

	UserDataTypeSCCore           uint16 = 0x0C01
	UserDataTypeSCSecurity       uint16 = 0x0C02
	UserDataTypeSCNet            uint16 = 0x0C03
	UserDataTypeSCMessageChannel uint16 = 0x0C04
	UserDataTypeSCMultitransport uint16 = 0x0C08
)

// earlyCapabilityFlags
const (
	ECFSupportErrInfoPDU        uint16 = 0x0001
	ECFWant32BPPSession         uint16 = 0x0002
	ECFSupportStatusInfoPDU     uint16 = 0x0004
	ECFStrongAsymmetricKeys     uint16 = 0x0008
	ECFValidConnectionType      uint16 = 0x0020
	ECFSupportMonitorLayoutPDU  uint16 = 0x0040
	ECFSupportNetCharAutodetect uint16 = 0x0080
	ECFSupportDynvcGFXProtocol  uint16 = 0x0100
	ECFSupportDynamicTimeZone   uint16 = 0x0200
	ECFSupportHeartbeatPDU      uint16 = 0x0400
)

// RawUserData carries a user data block the relay does not interpret. It is
// forwarded byte for byte.
type RawUserData struct {
	Type uint16
	Data []byte
}

// Serialize encodes the raw block with its header.
func (b RawUserData) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, b.Type)
	_ = binary.Write(buf, binary.LittleEndian, uint16(4+len(b.Data))) // #nosec G115
	buf.Write(b.Data)

	return buf.Bytes()
}

// readUserDataBlocks splits a GCC user data stream into raw blocks.
func readUserDataBlocks(wire io.Reader) ([]RawUserData, error) {
	var blocks []RawUserData

	for {
		var (
			dataType uint16
			dataLen  uint16
		)

		err := binary.Read(wire, binary.LittleEndian, &dataType)
		switch err {
		case nil: // pass
		case io.EOF:
			return blocks, nil
		default:
			return nil, err
		}

		if err = binary.Read(wire, binary.LittleEndian, &dataLen); err != nil {
			return nil, err
		}

		if dataLen < 4 {
			return nil, ErrShortUserData
		}

		data := make([]byte, dataLen-4)

		if _, err = io.ReadFull(wire, data); err != nil {
			return nil, err
		}

		blocks = append(blocks, RawUserData{Type: dataType, Data: data})
	}
}

// ClientCoreData contains client core settings sent during the Basic Settings
// Exchange phase. See MS-RDPBCGR section 2.2.1.3.2 for the Client Core Data
// (TS_UD_CS_CORE) structure. Everything past Version is optional on the wire;
// DataLen records how many payload bytes the peer actually sent so the block
// re-serializes at its original length.
type ClientCoreData struct {
	Version                uint32
	DesktopWidth           uint16
	DesktopHeight          uint16
	ColorDepth             uint16
	SASSequence            uint16
	KeyboardLayout         uint32
	ClientBuild            uint32
	ClientName             [32]byte
	KeyboardType           uint32
	KeyboardSubType        uint32
	KeyboardFunctionKey    uint32
	ImeFileName            [64]byte
	PostBeta2ColorDepth    uint16
	ClientProductId        uint16
	SerialNumber           uint32
	HighColorDepth         uint16
	SupportedColorDepths   uint16
	EarlyCapabilityFlags   uint16
	ClientDigProductId     [64]byte
	ConnectionType         uint8
	Pad1octet              uint8
	ServerSelectedProtocol uint32
	DesktopPhysicalWidth   uint32
	DesktopPhysicalHeight  uint32
	DesktopOrientation     uint16
	DesktopScaleFactor     uint32
	DeviceScaleFactor      uint32

	DataLen uint16 // payload length excluding the user data header
}

// ClientNameString returns the client machine name as a Go string.
func (data *ClientCoreData) ClientNameString() string {
	return encoding.DecodeUTF16(data.ClientName[:])
}

func (data *ClientCoreData) fields() []any {
	return []any{
		&data.Version,
		&data.DesktopWidth,
		&data.DesktopHeight,
		&data.ColorDepth,
		&data.SASSequence,
		&data.KeyboardLayout,
		&data.ClientBuild,
		&data.ClientName,
		&data.KeyboardType,
		&data.KeyboardSubType,
		&data.KeyboardFunctionKey,
		&data.ImeFileName,
		&data.PostBeta2ColorDepth,
		&data.ClientProductId,
		&data.SerialNumber,
		&data.HighColorDepth,
		&data.SupportedColorDepths,
		&data.EarlyCapabilityFlags,
		&data.ClientDigProductId,
		&data.ConnectionType,
		&data.Pad1octet,
		&data.ServerSelectedProtocol,
		&data.DesktopPhysicalWidth,
		&data.DesktopPhysicalHeight,
		&data.DesktopOrientation,
		&data.DesktopScaleFactor,
		&data.DeviceScaleFactor,
	}
}

// Deserialize decodes the ClientCoreData payload. Optional trailing fields
// absent from the wire are left zero.
func (data *ClientCoreData) Deserialize(payload []byte) error {
	data.DataLen = uint16(len(payload)) // #nosec G115

	wire := bytes.NewReader(payload)

	for _, field := range data.fields() {
		err := binary.Read(wire, binary.LittleEndian, field)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// Serialize encodes the ClientCoreData into its wire format with a CS_CORE
// header, truncated to the length the peer originally sent.
func (data ClientCoreData) Serialize() []byte {
	payload := new(bytes.Buffer)

	for _, field := range data.fields() {
		_ = binary.Write(payload, binary.LittleEndian, field)
	}

	body := payload.Bytes()

	if data.DataLen > 0 && int(data.DataLen) < len(body) {
		body = body[:data.DataLen]
	}

	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, UserDataTypeCSCore)
	_ = binary.Write(buf, binary.LittleEndian, uint16(4+len(body))) // #nosec G115
	buf.Write(body)

	return buf.Bytes()
}

const (
	// EncryptionMethodFlag40Bit 40BIT_ENCRYPTION_FLAG
	EncryptionMethodFlag40Bit uint32 = 0x00000001

	// EncryptionMethodFlag128Bit 128BIT_ENCRYPTION_FLAG
	EncryptionMethodFlag128Bit uint32 = 0x00000002

	// EncryptionMethodFlag56Bit 56BIT_ENCRYPTION_FLAG
	EncryptionMethodFlag56Bit uint32 = 0x00000008

	// EncryptionMethodFlagFIPS FIPS_ENCRYPTION_FLAG
	EncryptionMethodFlagFIPS uint32 = 0x00000010
)

// ClientSecurityData contains client security settings for encryption
// negotiation. See MS-RDPBCGR section 2.2.1.3.3 (TS_UD_CS_SEC).
type ClientSecurityData struct {
	EncryptionMethods    uint32
	ExtEncryptionMethods uint32
}

// Deserialize decodes the ClientSecurityData payload.
func (data *ClientSecurityData) Deserialize(payload []byte) error {
	wire := bytes.NewReader(payload)

	if err := binary.Read(wire, binary.LittleEndian, &data.EncryptionMethods); err != nil {
		return err
	}

	return binary.Read(wire, binary.LittleEndian, &data.ExtEncryptionMethods)
}

// Serialize encodes the ClientSecurityData into its wire format with a
// CS_SECURITY header.
func (data ClientSecurityData) Serialize() []byte {
	const dataLen uint16 = 12

	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, UserDataTypeCSSecurity)
	_ = binary.Write(buf, binary.LittleEndian, dataLen)

	_ = binary.Write(buf, binary.LittleEndian, data.EncryptionMethods)
	_ = binary.Write(buf, binary.LittleEndian, data.ExtEncryptionMethods)

	return buf.Bytes()
}

// ChannelDefinitionStructure defines a static virtual channel requested by the
// client. See MS-RDPBCGR section 2.2.1.3.4.1 (CHANNEL_DEF).
type ChannelDefinitionStructure struct {
	Name    [8]byte // seven ANSI chars with null-termination char in the end
	Options uint32
}

// NameString returns the channel name without trailing nulls.
func (s ChannelDefinitionStructure) NameString() string {
	name := s.Name[:]

	if idx := bytes.IndexByte(name, 0); idx >= 0 {
		name = name[:idx]
	}

	return string(name)
}

// ClientNetworkData contains the list of static virtual channels requested by
// the client. See MS-RDPBCGR section 2.2.1.3.4 (TS_UD_CS_NET).
type ClientNetworkData struct {
	ChannelCount    uint32
	ChannelDefArray []ChannelDefinitionStructure
}

// ChannelNames returns the requested channel names in wire order.
func (data *ClientNetworkData) ChannelNames() []string {
	names := make([]string, 0, len(data.ChannelDefArray))

	for _, def := range data.ChannelDefArray {
		names = append(names, def.NameString())
	}

	return names
}

// Deserialize decodes the ClientNetworkData payload.
func (data *ClientNetworkData) Deserialize(payload []byte) error {
	wire := bytes.NewReader(payload)

	if err := binary.Read(wire, binary.LittleEndian, &data.ChannelCount); err != nil {
		return err
	}

	data.ChannelDefArray = make([]ChannelDefinitionStructure, data.ChannelCount)

	for i := range data.ChannelDefArray {
		def := &data.ChannelDefArray[i]

		if err := binary.Read(wire, binary.LittleEndian, &def.Name); err != nil {
			return err
		}

		if err := binary.Read(wire, binary.LittleEndian, &def.Options); err != nil {
			return err
		}
	}

	return nil
}

// Serialize encodes the ClientNetworkData into its wire format with a CS_NET
// header.
func (data ClientNetworkData) Serialize() []byte {
	const headerLen = 8

	chBuf := new(bytes.Buffer)

	for _, channelDef := range data.ChannelDefArray {
		_ = binary.Write(chBuf, binary.LittleEndian, channelDef.Name)
		_ = binary.Write(chBuf, binary.LittleEndian, channelDef.Options)
	}

	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, UserDataTypeCSNet)
	_ = binary.Write(buf, binary.LittleEndian, uint16(headerLen+chBuf.Len())) // #nosec G115

	_ = binary.Write(buf, binary.LittleEndian, data.ChannelCount)

	buf.Write(chBuf.Bytes())

	return buf.Bytes()
}

// ClientClusterData contains client cluster settings for session redirection.
// See MS-RDPBCGR section 2.2.1.3.5 (TS_UD_CS_CLUSTER).
type ClientClusterData struct {
	Flags               uint32
	RedirectedSessionID uint32
}

// Deserialize decodes the ClientClusterData payload.
func (d *ClientClusterData) Deserialize(payload []byte) error {
	wire := bytes.NewReader(payload)

	if err := binary.Read(wire, binary.LittleEndian, &d.Flags); err != nil {
		return err
	}

	return binary.Read(wire, binary.LittleEndian, &d.RedirectedSessionID)
}

// Serialize encodes the ClientClusterData into its wire format with a
// CS_CLUSTER header.
func (d ClientClusterData) Serialize() []byte {
	const dataLen uint16 = 12

	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, UserDataTypeCSCluster)
	_ = binary.Write(buf, binary.LittleEndian, dataLen)

	_ = binary.Write(buf, binary.LittleEndian, d.Flags)
	_ = binary.Write(buf, binary.LittleEndian, d.RedirectedSessionID)

	return buf.Bytes()
}

// ClientUserDataSet aggregates all client GCC user data blocks. Blocks the
// relay does not rewrite are preserved raw and re-emitted in wire order.
type ClientUserDataSet struct {
	ClientCoreData     *ClientCoreData
	ClientSecurityData *ClientSecurityData
	ClientNetworkData  *ClientNetworkData
	ClientClusterData  *ClientClusterData
	Extra              []RawUserData

	order []uint16
}

// Deserialize decodes all client user data blocks from their combined wire
// format.
func (ud *ClientUserDataSet) Deserialize(wire io.Reader) error {
	blocks, err := readUserDataBlocks(wire)
	if err != nil {
		return err
	}

	for _, block := range blocks {
		ud.order = append(ud.order, block.Type)

		switch block.Type {
		case UserDataTypeCSCore:
			ud.ClientCoreData = &ClientCoreData{}
			err = ud.ClientCoreData.Deserialize(block.Data)
		case UserDataTypeCSSecurity:
			ud.ClientSecurityData = &ClientSecurityData{}
			err = ud.ClientSecurityData.Deserialize(block.Data)
		case UserDataTypeCSNet:
			ud.ClientNetworkData = &ClientNetworkData{}
			err = ud.ClientNetworkData.Deserialize(block.Data)
		case UserDataTypeCSCluster:
			ud.ClientClusterData = &ClientClusterData{}
			err = ud.ClientClusterData.Deserialize(block.Data)
		default:
			// monitor layouts, message channel and multitransport
			// requests pass through untouched
			ud.Extra = append(ud.Extra, block)
		}

		if err != nil {
			return fmt.Errorf("user data block %#04x: %w", block.Type, err)
		}
	}

	return nil
}

// Serialize encodes all client user data blocks, preserving the order the
// client originally used.
func (ud ClientUserDataSet) Serialize() []byte {
	buf := new(bytes.Buffer)
	extra := ud.Extra

	for _, dataType := range ud.order {
		switch dataType {
		case UserDataTypeCSCore:
			buf.Write(ud.ClientCoreData.Serialize())
		case UserDataTypeCSSecurity:
			buf.Write(ud.ClientSecurityData.Serialize())
		case UserDataTypeCSNet:
			buf.Write(ud.ClientNetworkData.Serialize())
		case UserDataTypeCSCluster:
			buf.Write(ud.ClientClusterData.Serialize())
		default:
			buf.Write(extra[0].Serialize())
			extra = extra[1:]
		}
	}

	return buf.Bytes()
}

// ServerCoreData contains server core settings. See MS-RDPBCGR section
// 2.2.1.4.2 (TS_UD_SC_CORE). Both trailing fields are optional.
type ServerCoreData struct {
	Version                  uint32
	ClientRequestedProtocols uint32
	EarlyCapabilityFlags     uint32

	DataLen uint16
}

// Deserialize decodes the ServerCoreData payload.
func (d *ServerCoreData) Deserialize(payload []byte) error {
	d.DataLen = uint16(len(payload)) // #nosec G115

	wire := bytes.NewReader(payload)

	if err := binary.Read(wire, binary.LittleEndian, &d.Version); err != nil {
		return err
	}

	if d.DataLen <= 4 {
		return nil
	}

	if err := binary.Read(wire, binary.LittleEndian, &d.ClientRequestedProtocols); err != nil {
		return err
	}

	if d.DataLen <= 8 {
		return nil
	}

	return binary.Read(wire, binary.LittleEndian, &d.EarlyCapabilityFlags)
}

// Serialize encodes the ServerCoreData into its wire format with an SC_CORE
// header, at the length the server originally sent.
func (d ServerCoreData) Serialize() []byte {
	payload := new(bytes.Buffer)

	_ = binary.Write(payload, binary.LittleEndian, d.Version)

	if d.DataLen > 4 {
		_ = binary.Write(payload, binary.LittleEndian, d.ClientRequestedProtocols)
	}

	if d.DataLen > 8 {
		_ = binary.Write(payload, binary.LittleEndian, d.EarlyCapabilityFlags)
	}

	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, UserDataTypeSCCore)
	_ = binary.Write(buf, binary.LittleEndian, uint16(4+payload.Len())) // #nosec G115
	buf.Write(payload.Bytes())

	return buf.Bytes()
}

// RSAPublicKey represents an RSA public key used in server proprietary
// certificates. See MS-RDPBCGR section 2.2.1.4.3.1.1.1 (RSA_PUBLIC_KEY).
type RSAPublicKey struct {
	Magic   uint32
	KeyLen  uint32
	BitLen  uint32
	DataLen uint32
	PubExp  uint32
	Modulus []byte
}

// Deserialize decodes the RSAPublicKey from its wire format.
func (k *RSAPublicKey) Deserialize(wire io.Reader) error {
	var err error

	if err = binary.Read(wire, binary.LittleEndian, &k.Magic); err != nil {
		return err
	}

	if err = binary.Read(wire, binary.LittleEndian, &k.KeyLen); err != nil {
		return err
	}

	if err = binary.Read(wire, binary.LittleEndian, &k.BitLen); err != nil {
		return err
	}

	if err = binary.Read(wire, binary.LittleEndian, &k.DataLen); err != nil {
		return err
	}

	if err = binary.Read(wire, binary.LittleEndian, &k.PubExp); err != nil {
		return err
	}

	k.Modulus = make([]byte, k.KeyLen)

	if _, err = io.ReadFull(wire, k.Modulus); err != nil {
		return err
	}

	return nil
}

// Serialize encodes the RSAPublicKey to wire format.
func (k *RSAPublicKey) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, k.Magic)
	_ = binary.Write(buf, binary.LittleEndian, k.KeyLen)
	_ = binary.Write(buf, binary.LittleEndian, k.BitLen)
	_ = binary.Write(buf, binary.LittleEndian, k.DataLen)
	_ = binary.Write(buf, binary.LittleEndian, k.PubExp)
	buf.Write(k.Modulus)

	return buf.Bytes()
}

// ServerProprietaryCertificate contains the server's proprietary certificate
// for standard RDP security. See MS-RDPBCGR section 2.2.1.4.3.1.1.
type ServerProprietaryCertificate struct {
	DwSigAlgId        uint32
	DwKeyAlgId        uint32
	PublicKeyBlobType uint16
	PublicKeyBlob     RSAPublicKey
	SignatureBlobType uint16
	SignatureBlob     []byte
}

// Deserialize decodes the ServerProprietaryCertificate from its wire format.
func (c *ServerProprietaryCertificate) Deserialize(wire io.Reader) error {
	var (
		publicKeyBlobLen uint16
		signatureBlobLen uint16
		err              error
	)

	if err = binary.Read(wire, binary.LittleEndian, &c.DwSigAlgId); err != nil {
		return err
	}

	if err = binary.Read(wire, binary.LittleEndian, &c.DwKeyAlgId); err != nil {
		return err
	}

	if err = binary.Read(wire, binary.LittleEndian, &c.PublicKeyBlobType); err != nil {
		return err
	}

	if err = binary.Read(wire, binary.LittleEndian, &publicKeyBlobLen); err != nil {
		return err
	}

	if err = c.PublicKeyBlob.Deserialize(wire); err != nil {
		return err
	}

	if err = binary.Read(wire, binary.LittleEndian, &c.SignatureBlobType); err != nil {
		return err
	}

	if err = binary.Read(wire, binary.LittleEndian, &signatureBlobLen); err != nil {
		return err
	}

	c.SignatureBlob = make([]byte, signatureBlobLen)

	if _, err = io.ReadFull(wire, c.SignatureBlob); err != nil {
		return err
	}

	return nil
}

// Serialize encodes the ServerProprietaryCertificate to wire format.
func (c *ServerProprietaryCertificate) Serialize() []byte {
	publicKeyBlob := c.PublicKeyBlob.Serialize()

	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, c.DwSigAlgId)
	_ = binary.Write(buf, binary.LittleEndian, c.DwKeyAlgId)
	_ = binary.Write(buf, binary.LittleEndian, c.PublicKeyBlobType)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(publicKeyBlob))) // #nosec G115
	buf.Write(publicKeyBlob)
	_ = binary.Write(buf, binary.LittleEndian, c.SignatureBlobType)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(c.SignatureBlob))) // #nosec G115
	buf.Write(c.SignatureBlob)

	return buf.Bytes()
}

const certChainVersionProprietary uint32 = 0x00000001

// ServerCertificate contains the server's certificate (proprietary or X.509).
// See MS-RDPBCGR section 2.2.1.4.3.1.
type ServerCertificate struct {
	DwVersion       uint32
	ProprietaryCert *ServerProprietaryCertificate
	X509Cert        []byte

	ServerCertLen uint32
}

// NewProprietaryCertificate wraps a proprietary certificate in the chain
// header.
func NewProprietaryCertificate(cert *ServerProprietaryCertificate) *ServerCertificate {
	return &ServerCertificate{
		DwVersion:       certChainVersionProprietary,
		ProprietaryCert: cert,
	}
}

// Deserialize decodes the ServerCertificate from its wire format.
func (c *ServerCertificate) Deserialize(wire io.Reader) error {
	var err error

	if err = binary.Read(wire, binary.LittleEndian, &c.DwVersion); err != nil {
		return err
	}

	if c.DwVersion&0x7FFFFFFF == certChainVersionProprietary {
		c.ProprietaryCert = &ServerProprietaryCertificate{}

		return c.ProprietaryCert.Deserialize(wire)
	}

	if c.ServerCertLen < 4 {
		return fmt.Errorf("invalid certificate length: %d (minimum 4)", c.ServerCertLen)
	}

	c.X509Cert = make([]byte, c.ServerCertLen-4)

	if _, err = io.ReadFull(wire, c.X509Cert); err != nil {
		return err
	}

	return nil
}

// Serialize encodes the ServerCertificate to wire format.
func (c *ServerCertificate) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, c.DwVersion)

	if c.ProprietaryCert != nil {
		buf.Write(c.ProprietaryCert.Serialize())
	} else {
		buf.Write(c.X509Cert)
	}

	return buf.Bytes()
}

// ServerSecurityData contains server security settings including encryption
// parameters. See MS-RDPBCGR section 2.2.1.4.3 (TS_UD_SC_SEC1).
type ServerSecurityData struct {
	EncryptionMethod  uint32
	EncryptionLevel   uint32
	ServerRandom      []byte
	ServerCertificate *ServerCertificate
}

// Deserialize decodes the ServerSecurityData payload.
func (d *ServerSecurityData) Deserialize(payload []byte) error {
	wire := bytes.NewReader(payload)

	if err := binary.Read(wire, binary.LittleEndian, &d.EncryptionMethod); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &d.EncryptionLevel); err != nil {
		return err
	}

	if d.EncryptionMethod == 0 && d.EncryptionLevel == 0 { // ENCRYPTION_METHOD_NONE and ENCRYPTION_LEVEL_NONE
		return nil
	}

	var (
		serverRandomLen uint32
		serverCertLen   uint32
	)

	if err := binary.Read(wire, binary.LittleEndian, &serverRandomLen); err != nil {
		return err
	}

	if err := binary.Read(wire, binary.LittleEndian, &serverCertLen); err != nil {
		return err
	}

	d.ServerRandom = make([]byte, serverRandomLen)

	if _, err := io.ReadFull(wire, d.ServerRandom); err != nil {
		return err
	}

	if serverCertLen > 0 {
		d.ServerCertificate = &ServerCertificate{
			ServerCertLen: serverCertLen,
		}

		return d.ServerCertificate.Deserialize(wire)
	}

	return nil
}

// Serialize encodes the ServerSecurityData into its wire format with an
// SC_SEC1 header.
func (d ServerSecurityData) Serialize() []byte {
	payload := new(bytes.Buffer)

	_ = binary.Write(payload, binary.LittleEndian, d.EncryptionMethod)
	_ = binary.Write(payload, binary.LittleEndian, d.EncryptionLevel)

	if d.EncryptionMethod != 0 || d.EncryptionLevel != 0 {
		var cert []byte

		if d.ServerCertificate != nil {
			cert = d.ServerCertificate.Serialize()
		}

		_ = binary.Write(payload, binary.LittleEndian, uint32(len(d.ServerRandom))) // #nosec G115
		_ = binary.Write(payload, binary.LittleEndian, uint32(len(cert)))           // #nosec G115
		payload.Write(d.ServerRandom)
		payload.Write(cert)
	}

	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, UserDataTypeSCSecurity)
	_ = binary.Write(buf, binary.LittleEndian, uint16(4+payload.Len())) // #nosec G115
	buf.Write(payload.Bytes())

	return buf.Bytes()
}

// ServerNetworkData contains the MCS channel ID and virtual channel IDs
// assigned by the server. See MS-RDPBCGR section 2.2.1.4.4 (TS_UD_SC_NET).
type ServerNetworkData struct {
	MCSChannelId   uint16
	ChannelIdArray []uint16
}

// Deserialize decodes the ServerNetworkData payload.
func (d *ServerNetworkData) Deserialize(payload []byte) error {
	wire := bytes.NewReader(payload)

	if err := binary.Read(wire, binary.LittleEndian, &d.MCSChannelId); err != nil {
		return err
	}

	var channelCount uint16

	if err := binary.Read(wire, binary.LittleEndian, &channelCount); err != nil {
		return err
	}

	if channelCount == 0 {
		return nil
	}

	d.ChannelIdArray = make([]uint16, channelCount)

	return binary.Read(wire, binary.LittleEndian, &d.ChannelIdArray)
}

// Serialize encodes the ServerNetworkData into its wire format with an SC_NET
// header, padding the channel array to an even count.
func (d ServerNetworkData) Serialize() []byte {
	payload := new(bytes.Buffer)

	_ = binary.Write(payload, binary.LittleEndian, d.MCSChannelId)
	_ = binary.Write(payload, binary.LittleEndian, uint16(len(d.ChannelIdArray))) // #nosec G115

	for _, id := range d.ChannelIdArray {
		_ = binary.Write(payload, binary.LittleEndian, id)
	}

	if len(d.ChannelIdArray)%2 != 0 {
		payload.Write([]byte{0x00, 0x00})
	}

	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, UserDataTypeSCNet)
	_ = binary.Write(buf, binary.LittleEndian, uint16(4+payload.Len())) // #nosec G115
	buf.Write(payload.Bytes())

	return buf.Bytes()
}

// ServerMessageChannelData contains the MCS channel ID for the message
// channel. See MS-RDPBCGR section 2.2.1.4.5 (TS_UD_SC_MCS_MSGCHANNEL).
type ServerMessageChannelData struct {
	MCSChannelID uint16
}

// Serialize encodes the ServerMessageChannelData with its header.
func (d ServerMessageChannelData) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, UserDataTypeSCMessageChannel)
	_ = binary.Write(buf, binary.LittleEndian, uint16(6))
	_ = binary.Write(buf, binary.LittleEndian, d.MCSChannelID)

	return buf.Bytes()
}

// ServerMultitransportChannelData contains multitransport channel flags.
// See MS-RDPBCGR section 2.2.1.4.6 (TS_UD_SC_MULTITRANSPORT).
type ServerMultitransportChannelData struct {
	Flags uint32
}

// Serialize encodes the ServerMultitransportChannelData with its header.
func (d ServerMultitransportChannelData) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, UserDataTypeSCMultitransport)
	_ = binary.Write(buf, binary.LittleEndian, uint16(8))
	_ = binary.Write(buf, binary.LittleEndian, d.Flags)

	return buf.Bytes()
}

// ServerUserData aggregates all server GCC user data blocks.
type ServerUserData struct {
	ServerCoreData                  *ServerCoreData
	ServerNetworkData               *ServerNetworkData
	ServerSecurityData              *ServerSecurityData
	ServerMessageChannelData        *ServerMessageChannelData
	ServerMultitransportChannelData *ServerMultitransportChannelData
	Extra                           []RawUserData
}

// Deserialize decodes all server user data blocks from their combined wire
// format.
func (ud *ServerUserData) Deserialize(wire io.Reader) error {
	blocks, err := readUserDataBlocks(wire)
	if err != nil {
		return err
	}

	for _, block := range blocks {
		switch block.Type {
		case UserDataTypeSCCore:
			ud.ServerCoreData = &ServerCoreData{}
			err = ud.ServerCoreData.Deserialize(block.Data)
		case UserDataTypeSCSecurity:
			ud.ServerSecurityData = &ServerSecurityData{}
			err = ud.ServerSecurityData.Deserialize(block.Data)
		case UserDataTypeSCNet:
			ud.ServerNetworkData = &ServerNetworkData{}
			err = ud.ServerNetworkData.Deserialize(block.Data)
		case UserDataTypeSCMessageChannel:
			ud.ServerMessageChannelData = &ServerMessageChannelData{}
			err = binary.Read(bytes.NewReader(block.Data), binary.LittleEndian,
				&ud.ServerMessageChannelData.MCSChannelID)
		case UserDataTypeSCMultitransport:
			ud.ServerMultitransportChannelData = &ServerMultitransportChannelData{}
			err = binary.Read(bytes.NewReader(block.Data), binary.LittleEndian,
				&ud.ServerMultitransportChannelData.Flags)
		default:
			ud.Extra = append(ud.Extra, block)
		}

		if err != nil {
			return fmt.Errorf("user data block %#04x: %w", block.Type, err)
		}
	}

	return nil
}

// Serialize encodes all server user data blocks in canonical order. Blocks
// whose pointer is nil are omitted, which is how the relay strips
// multitransport support before forwarding.
func (ud ServerUserData) Serialize() []byte {
	buf := new(bytes.Buffer)

	if ud.ServerCoreData != nil {
		buf.Write(ud.ServerCoreData.Serialize())
	}

	if ud.ServerNetworkData != nil {
		buf.Write(ud.ServerNetworkData.Serialize())
	}

	if ud.ServerSecurityData != nil {
		buf.Write(ud.ServerSecurityData.Serialize())
	}

	if ud.ServerMessageChannelData != nil {
		buf.Write(ud.ServerMessageChannelData.Serialize())
	}

	if ud.ServerMultitransportChannelData != nil {
		buf.Write(ud.ServerMultitransportChannelData.Serialize())
	}

	for _, block := range ud.Extra {
		buf.Write(block.Serialize())
	}

	return buf.Bytes()
}
