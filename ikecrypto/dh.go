// Package ikecrypto is the crypto kit (C2): classic MODP Diffie-Hellman
// groups 2/14, the RFC 2409 PRF/SKEYID family, the mandatory symmetric
// ciphers, X.509 chain validation pinned to the gateway's advertised CA
// fingerprint, and the PKCS#8/#11/#12 key stores (§4.2).
//
// DH groups 2 and 14 are classic MODP groups, not elliptic curves; the
// ecosystem has no maintained package for them (golang.org/x/crypto
// only implements the modern ECDH curves), so this is implemented
// directly on math/big the way any Go IKE implementation has to be —
// the same category of "no library fits, hand-roll it" decision the
// teacher itself makes for its own packet framing.
package ikecrypto

import (
	"crypto/rand"
	"math/big"
)

// Group is a classic MODP Diffie-Hellman group: a prime modulus and
// generator.
type Group struct {
	ID        uint16
	Prime     *big.Int
	Generator *big.Int
	bits      int
}

// Group2 is the RFC 2409 Second Oakley Group (1024-bit MODP).
var Group2 = mustGroup(2, group2Hex, 2, 1024)

// Group14 is the RFC 3526 2048-bit MODP group.
var Group14 = mustGroup(14, group14Hex, 2, 2048)

func mustGroup(id uint16, hexPrime string, gen int64, bits int) *Group {
	p := new(big.Int)
	if _, ok := p.SetString(hexPrime, 16); !ok {
		panic("ikecrypto: bad hard-coded prime for group")
	}
	return &Group{ID: id, Prime: p, Generator: big.NewInt(gen), bits: bits}
}

// ByID returns the mandatory group matching id, or nil.
func ByID(id uint16) *Group {
	switch id {
	case 2:
		return Group2
	case 14:
		return Group14
	default:
		return nil
	}
}

// KeyPair is one side's DH private exponent and public value.
type KeyPair struct {
	group   *Group
	Private *big.Int
	Public  *big.Int
}

// GenerateKeyPair produces a fresh private exponent and its public
// value g^x mod p.
func GenerateKeyPair(g *Group) (*KeyPair, error) {
	// Private exponent is drawn from [2, p-2]; bits sized to the group
	// strength (RFC 2409 recommends at least bits/2, we use the full
	// field width for simplicity and margin).
	max := new(big.Int).Sub(g.Prime, big.NewInt(2))
	x, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}
	x.Add(x, big.NewInt(2))
	pub := new(big.Int).Exp(g.Generator, x, g.Prime)
	return &KeyPair{group: g, Private: x, Public: pub}, nil
}

// SharedSecret computes peerPublic^private mod p.
func (k *KeyPair) SharedSecret(peerPublic *big.Int) *big.Int {
	return new(big.Int).Exp(peerPublic, k.Private, k.group.Prime)
}

// FixedLenBytes renders v as a big-endian byte slice exactly byteLen
// long, left-zero-padded — required for KE payloads and for the
// shared secret feeding SKEYID derivation, where a short encoding
// would silently shift the derived key material.
func FixedLenBytes(v *big.Int, byteLen int) []byte {
	b := v.Bytes()
	if len(b) >= byteLen {
		return b[len(b)-byteLen:]
	}
	out := make([]byte, byteLen)
	copy(out[byteLen-len(b):], b)
	return out
}

// ByteLen returns the modulus width in bytes, the length KE payloads
// and the shared secret must be encoded at.
func (g *Group) ByteLen() int { return (g.bits + 7) / 8 }

// RFC 2409 Second Oakley Group, 1024-bit MODP.
const group2Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E08" +
	"8A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B" +
	"302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9" +
	"A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE6" +
	"49286651ECE65381FFFFFFFFFFFFFFFF"

// RFC 3526 2048-bit MODP group, ID 14.
const group14Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E08" +
	"8A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B" +
	"302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9" +
	"A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE6" +
	"49286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8" +
	"FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C" +
	"180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
	"3995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"
