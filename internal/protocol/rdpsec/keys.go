package rdpsec

import (
	"crypto/md5"  // #nosec G501 -- mandated by MS-RDPBCGR 5.3.5
	"crypto/rc4"  // #nosec G503 -- mandated by MS-RDPBCGR 5.3.5
	"crypto/sha1" // #nosec G505 -- mandated by MS-RDPBCGR 5.3.5
	"encoding/binary"
	"fmt"
	"sync"
)

// key update pads (MS-RDPBCGR 5.3.7.1)
var (
	pad1 = bytes40(0x36)
	pad2 = bytes48(0x5C)
)

func bytes40(b byte) []byte {
	p := make([]byte, 40)
	for i := range p {
		p[i] = b
	}

	return p
}

func bytes48(b byte) []byte {
	p := make([]byte, 48)
	for i := range p {
		p[i] = b
	}

	return p
}

// Role selects which half of the derived key material a party encrypts with.
// The relay acts as the server toward the real client and as the client
// toward the real server, so both roles are used in every intercepted
// session.
type Role int

const (
	// RoleClient encrypts with the client half.
	RoleClient Role = iota

	// RoleServer encrypts with the server half.
	RoleServer
)

// saltedHash implements SaltedHash from MS-RDPBCGR 5.3.5.1:
// MD5(S + SHA1(I + S + ClientRandom + ServerRandom)).
func saltedHash(secret, salt, clientRandom, serverRandom []byte) []byte {
	inner := sha1.New() // #nosec G401

	inner.Write(salt)
	inner.Write(secret)
	inner.Write(clientRandom)
	inner.Write(serverRandom)

	outer := md5.New() // #nosec G401

	outer.Write(secret)
	outer.Write(inner.Sum(nil))

	return outer.Sum(nil)
}

// finalHash implements FinalHash from MS-RDPBCGR 5.3.5.1:
// MD5(K + ClientRandom + ServerRandom).
func finalHash(key, clientRandom, serverRandom []byte) []byte {
	hash := md5.New() // #nosec G401

	hash.Write(key)
	hash.Write(clientRandom)
	hash.Write(serverRandom)

	return hash.Sum(nil)
}

// reduceKey applies the 40/56-bit export key reductions (MS-RDPBCGR 5.3.5.1).
func reduceKey(key []byte, method uint32) []byte {
	switch method {
	case EncryptionMethod40Bit:
		reduced := append([]byte{0xD1, 0x26, 0x9E}, key[3:8]...)

		return reduced
	case EncryptionMethod56Bit:
		reduced := append([]byte{0xD1}, key[1:8]...)

		return reduced
	default:
		return key
	}
}

// SessionKeys holds the derived key material for one leg of a session.
type SessionKeys struct {
	MACKey     []byte
	EncryptKey []byte
	DecryptKey []byte

	// initial keys, used as the salt for key updates
	initialEncrypt []byte
	initialDecrypt []byte
}

// DeriveKeys derives the session keys per MS-RDPBCGR 5.3.5.1 from the two
// randoms exchanged during the connection sequence.
func DeriveKeys(clientRandom, serverRandom []byte, method uint32, role Role) (*SessionKeys, error) {
	if method == EncryptionMethodFIPS {
		return nil, fmt.Errorf("unsupported encryption method: %#08x", method)
	}

	// PreMasterSecret = First192Bits(ClientRandom) + First192Bits(ServerRandom)
	preMaster := make([]byte, 0, 48)
	preMaster = append(preMaster, clientRandom[:24]...)
	preMaster = append(preMaster, serverRandom[:24]...)

	master := saltedHash(preMaster, []byte("A"), clientRandom, serverRandom)
	master = append(master, saltedHash(preMaster, []byte("BB"), clientRandom, serverRandom)...)
	master = append(master, saltedHash(preMaster, []byte("CCC"), clientRandom, serverRandom)...)

	blob := saltedHash(master, []byte("X"), clientRandom, serverRandom)
	blob = append(blob, saltedHash(master, []byte("YY"), clientRandom, serverRandom)...)
	blob = append(blob, saltedHash(master, []byte("ZZZ"), clientRandom, serverRandom)...)

	macKey := blob[0:16]
	clientDecrypt := finalHash(blob[16:32], clientRandom, serverRandom) // server-to-client
	clientEncrypt := finalHash(blob[32:48], clientRandom, serverRandom) // client-to-server

	keyLen := 16

	switch method {
	case EncryptionMethod40Bit, EncryptionMethod56Bit:
		keyLen = 8
	case EncryptionMethod128Bit: // pass
	default:
		return nil, fmt.Errorf("unsupported encryption method: %#08x", method)
	}

	macKey = reduceKey(macKey[:keyLen], method)
	clientDecrypt = reduceKey(clientDecrypt[:keyLen], method)
	clientEncrypt = reduceKey(clientEncrypt[:keyLen], method)

	keys := &SessionKeys{MACKey: macKey}

	if role == RoleClient {
		keys.EncryptKey = clientEncrypt
		keys.DecryptKey = clientDecrypt
	} else {
		keys.EncryptKey = clientDecrypt
		keys.DecryptKey = clientEncrypt
	}

	keys.initialEncrypt = append([]byte(nil), keys.EncryptKey...)
	keys.initialDecrypt = append([]byte(nil), keys.DecryptKey...)

	return keys, nil
}

// updateKey derives the next generation of a session key (MS-RDPBCGR 5.3.7.1).
func updateKey(initial, current []byte, method uint32) []byte {
	inner := sha1.New() // #nosec G401

	inner.Write(initial)
	inner.Write(pad1)
	inner.Write(current)

	outer := md5.New() // #nosec G401

	outer.Write(initial)
	outer.Write(pad2)
	outer.Write(inner.Sum(nil))

	key := outer.Sum(nil)[:len(current)]

	cipher, _ := rc4.NewCipher(key) // #nosec G401

	next := make([]byte, len(current))
	cipher.XORKeyStream(next, key)

	return reduceKey(next, method)
}

// MACSignature computes the 8-byte MAC over data (MS-RDPBCGR 5.3.6.1).
func MACSignature(macKey, data []byte) []byte {
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(data))) // #nosec G115

	inner := sha1.New() // #nosec G401

	inner.Write(macKey)
	inner.Write(pad1)
	inner.Write(length)
	inner.Write(data)

	outer := md5.New() // #nosec G401

	outer.Write(macKey)
	outer.Write(pad2)
	outer.Write(inner.Sum(nil))

	return outer.Sum(nil)[:8]
}

// keyUpdateInterval is the number of PDUs after which the RC4 keys are
// regenerated (MS-RDPBCGR 5.3.7).
const keyUpdateInterval = 4096

// Cipher is the stateful RC4 pair for one leg. Both directions count PDUs
// independently and re-key every 4096 PDUs.
type Cipher struct {
	mu sync.Mutex

	method uint32
	keys   *SessionKeys

	encrypt      *rc4.Cipher
	decrypt      *rc4.Cipher
	encryptCount int
	decryptCount int
}

// NewCipher creates the RC4 pair from derived session keys.
func NewCipher(keys *SessionKeys, method uint32) (*Cipher, error) {
	encrypt, err := rc4.NewCipher(keys.EncryptKey) // #nosec G401
	if err != nil {
		return nil, err
	}

	decrypt, err := rc4.NewCipher(keys.DecryptKey) // #nosec G401
	if err != nil {
		return nil, err
	}

	return &Cipher{
		method:  method,
		keys:    keys,
		encrypt: encrypt,
		decrypt: decrypt,
	}, nil
}

// Encrypt encrypts a payload and returns it with its MAC signature.
func (c *Cipher) Encrypt(data []byte) (encrypted, signature []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.encryptCount == keyUpdateInterval {
		c.keys.EncryptKey = updateKey(c.keys.initialEncrypt, c.keys.EncryptKey, c.method)
		c.encrypt, _ = rc4.NewCipher(c.keys.EncryptKey) // #nosec G401
		c.encryptCount = 0
	}

	signature = MACSignature(c.keys.MACKey, data)

	encrypted = make([]byte, len(data))
	c.encrypt.XORKeyStream(encrypted, data)
	c.encryptCount++

	return encrypted, signature
}

// Decrypt decrypts a payload and verifies its MAC signature.
func (c *Cipher) Decrypt(data, signature []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.decryptCount == keyUpdateInterval {
		c.keys.DecryptKey = updateKey(c.keys.initialDecrypt, c.keys.DecryptKey, c.method)
		c.decrypt, _ = rc4.NewCipher(c.keys.DecryptKey) // #nosec G401
		c.decryptCount = 0
	}

	plain := make([]byte, len(data))
	c.decrypt.XORKeyStream(plain, data)
	c.decryptCount++

	if signature != nil {
		expected := MACSignature(c.keys.MACKey, plain)
		if !bytesEqual(signature, expected) {
			return nil, ErrBadSignature
		}
	}

	return plain, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	var diff byte

	for i := range a {
		diff |= a[i] ^ b[i]
	}

	return diff == 0
}
