package rdpsec

import (
	"bytes"
	"crypto/md5" // #nosec G501 -- mandated by MS-RDPBCGR 5.3.3.1.2
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/rcarmo/rdp-relay/internal/protocol/pdu"
)

// ErrShortExchange indicates a truncated Security Exchange PDU.
var ErrShortExchange = errors.New("short security exchange")

// RandomLength is the size of the client and server randoms (MS-RDPBCGR 2.2.1.10.1).
const RandomLength = 32

// exchangePadLength is the zero padding appended after the encrypted random
// (MS-RDPBCGR 2.2.1.10.1).
const exchangePadLength = 8

// SecurityExchange is the TS_SECURITY_PACKET carrying the RSA-encrypted
// client random (MS-RDPBCGR 2.2.1.10). The security header flags are
// handled by the caller.
type SecurityExchange struct {
	EncryptedRandom []byte
}

// Serialize encodes the exchange packet, including the 8 padding bytes
// counted in the length field.
func (s *SecurityExchange) Serialize() []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s.EncryptedRandom)+exchangePadLength)) // #nosec G115
	buf.Write(s.EncryptedRandom)
	buf.Write(make([]byte, exchangePadLength))

	return buf.Bytes()
}

// Deserialize decodes the exchange packet from its payload.
func (s *SecurityExchange) Deserialize(payload []byte) error {
	if len(payload) < 4 {
		return ErrShortExchange
	}

	length := binary.LittleEndian.Uint32(payload[:4])
	if length < exchangePadLength || len(payload) < 4+int(length) {
		return ErrShortExchange
	}

	s.EncryptedRandom = append([]byte(nil), payload[4:4+length-exchangePadLength]...)

	return nil
}

// reverse returns a copy of b with its byte order flipped. RDP transmits
// RSA integers little-endian while math/big works big-endian.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}

	return out
}

// EncryptRandom performs the raw (unpadded) RSA encryption of the client
// random with the server's proprietary certificate key, little-endian on
// the wire (MS-RDPBCGR 5.3.4.1). The modulus may carry the certificate's
// trailing zero padding.
func EncryptRandom(random []byte, modulus []byte, exponent uint32) []byte {
	n := new(big.Int).SetBytes(reverse(modulus))
	e := big.NewInt(int64(exponent))
	m := new(big.Int).SetBytes(reverse(random))

	c := new(big.Int).Exp(m, e, n)

	out := reverse(c.Bytes())

	// pad up to the modulus size; high little-endian bytes are zero
	for len(out) < len(n.Bytes()) {
		out = append(out, 0x00)
	}

	return out
}

// DecryptRandom recovers the client random using the private key whose
// public half was advertised in the proprietary certificate.
func DecryptRandom(encrypted []byte, key *rsa.PrivateKey) ([]byte, error) {
	n := key.N
	d := key.D
	c := new(big.Int).SetBytes(reverse(encrypted))

	if c.Cmp(n) >= 0 {
		return nil, errors.New("encrypted random exceeds modulus")
	}

	m := new(big.Int).Exp(c, d, n)

	random := reverse(m.Bytes())
	if len(random) < RandomLength {
		pad := make([]byte, RandomLength-len(random))
		random = append(random, pad...)
	}

	return random[:RandomLength], nil
}

// NewRandom generates a fresh 32-byte random.
func NewRandom() ([]byte, error) {
	random := make([]byte, RandomLength)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("generating random: %w", err)
	}

	return random, nil
}

// SigningKey holds the RSA key the relay presents to clients in its own
// proprietary certificate. A fresh key is generated per process; clients
// performing standard RDP security do not validate the certificate chain.
type SigningKey struct {
	key *rsa.PrivateKey
}

// proprietaryKeyBits matches the key size found in server proprietary
// certificates in the wild.
const proprietaryKeyBits = 512

// NewSigningKey generates the relay's certificate key pair.
func NewSigningKey() (*SigningKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, proprietaryKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	return &SigningKey{key: key}, nil
}

// Private returns the RSA private key for decrypting security exchanges.
func (k *SigningKey) Private() *rsa.PrivateKey {
	return k.key
}

// proprietary certificate constants (MS-RDPBCGR 2.2.1.4.3.1.1)
const (
	signatureAlgRSA   uint32 = 0x00000001
	keyExchangeAlgRSA uint32 = 0x00000001
	bbRSAKeyBlob      uint16 = 0x0006
	bbRSASignature    uint16 = 0x0008
	rsaMagic          uint32 = 0x31415352 // "RSA1"
)

// Certificate builds the proprietary server certificate advertising this
// key's public half, signed with the same key since clients skip chain
// validation under standard security.
func (k *SigningKey) Certificate() *pdu.ServerCertificate {
	modulus := reverse(k.key.N.Bytes())
	bitLen := uint32(len(modulus)) * 8 // #nosec G115

	prop := &pdu.ServerProprietaryCertificate{
		DwSigAlgId:        signatureAlgRSA,
		DwKeyAlgId:        keyExchangeAlgRSA,
		PublicKeyBlobType: bbRSAKeyBlob,
		PublicKeyBlob: pdu.RSAPublicKey{
			Magic:   rsaMagic,
			KeyLen:  bitLen/8 + exchangePadLength,
			BitLen:  bitLen,
			DataLen: bitLen/8 - 1,
			PubExp:  uint32(k.key.E), // #nosec G115
			Modulus: append(modulus, make([]byte, exchangePadLength)...),
		},
		SignatureBlobType: bbRSASignature,
	}

	cert := pdu.NewProprietaryCertificate(prop)
	prop.SignatureBlob = k.sign(cert)

	return cert
}

// signedFields serializes the certificate fields covered by the signature,
// dwVersion through the public key blob (MS-RDPBCGR 5.3.3.1.2).
func signedFields(cert *pdu.ServerCertificate) []byte {
	publicKeyBlob := cert.ProprietaryCert.PublicKeyBlob.Serialize()

	signed := new(bytes.Buffer)

	_ = binary.Write(signed, binary.LittleEndian, cert.DwVersion)
	_ = binary.Write(signed, binary.LittleEndian, cert.ProprietaryCert.DwSigAlgId)
	_ = binary.Write(signed, binary.LittleEndian, cert.ProprietaryCert.DwKeyAlgId)
	_ = binary.Write(signed, binary.LittleEndian, cert.ProprietaryCert.PublicKeyBlobType)
	_ = binary.Write(signed, binary.LittleEndian, uint16(len(publicKeyBlob))) // #nosec G115
	signed.Write(publicKeyBlob)

	return signed.Bytes()
}

// sign computes the certificate signature with the relay's own key.
func (k *SigningKey) sign(cert *pdu.ServerCertificate) []byte {
	digest := md5.Sum(signedFields(cert)) // #nosec G401

	// MS-RDPBCGR 5.3.3.1.2: digest + 0x00 + 45*0xFF + 0x01, little-endian
	padded := make([]byte, 0, 63)
	padded = append(padded, digest[:]...)
	padded = append(padded, 0x00)
	for i := 0; i < 45; i++ {
		padded = append(padded, 0xFF)
	}
	padded = append(padded, 0x01)

	m := new(big.Int).SetBytes(reverse(padded))
	s := new(big.Int).Exp(m, k.key.D, k.key.N)

	sig := reverse(s.Bytes())
	for len(sig) < 64 {
		sig = append(sig, 0x00)
	}

	return sig
}
