package ikecrypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// HashAlg identifies a PRF/integrity hash algorithm by its IKE
// transform attribute value (ikewire.HashMD5 and friends).
type HashAlg uint16

const (
	HashMD5    HashAlg = 1
	HashSHA1   HashAlg = 2
	HashSHA256 HashAlg = 4
	HashSHA384 HashAlg = 5
	HashSHA512 HashAlg = 6
)

// New returns the stdlib hash constructor for alg. RFC 2409 uses the
// negotiated hash algorithm itself as the PRF (HMAC keyed with that
// hash), so there is no separate PRF registry.
func (alg HashAlg) New() (func() hash.Hash, error) {
	switch alg {
	case HashMD5:
		return md5.New, nil
	case HashSHA1:
		return sha1.New, nil
	case HashSHA256:
		return sha256.New, nil
	case HashSHA384:
		return sha512.New384, nil
	case HashSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("ikecrypto: unsupported hash algorithm %d", alg)
	}
}

// Size returns the output size in bytes of alg's digest.
func (alg HashAlg) Size() (int, error) {
	h, err := alg.New()
	if err != nil {
		return 0, err
	}
	return h().Size(), nil
}

// PRF computes HMAC(key, data) using alg as the underlying hash, the
// RFC 2409 §5 pseudo-random function used throughout SKEYID derivation
// and the Phase 1/Phase 2 key expansion.
func PRF(alg HashAlg, key, data []byte) ([]byte, error) {
	h, err := alg.New()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(h, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// SkeyidMaterial holds the three SKEYID derivatives RFC 2409 §5 defines
// for PSK/signature-authenticated Phase 1: SKEYID_d (non-ISAKMP
// keying material), SKEYID_a (integrity), SKEYID_e (encryption).
type SkeyidMaterial struct {
	Skeyid  []byte
	D       []byte
	A       []byte
	E       []byte
}

// DeriveSkeyidPSK computes SKEYID = prf(psk, Ni|Nr) for pre-shared-key
// authentication (RFC 2409 §5).
func DeriveSkeyidPSK(alg HashAlg, psk, ni, nr []byte) ([]byte, error) {
	return PRF(alg, psk, append(append([]byte{}, ni...), nr...))
}

// DeriveSkeyidCert computes SKEYID = prf(Ni|Nr, g^xy) for
// signature/XAuth-cert authentication (RFC 2409 §5, using the
// concatenated nonces as the key and the DH shared secret as data).
func DeriveSkeyidCert(alg HashAlg, ni, nr, gxy []byte) ([]byte, error) {
	key := append(append([]byte{}, ni...), nr...)
	return PRF(alg, key, gxy)
}

// DeriveKeys expands SKEYID into SKEYID_d/a/e per RFC 2409 §5:
//
//	SKEYID_d = prf(SKEYID, g^xy | CKY-I | CKY-R | 0)
//	SKEYID_a = prf(SKEYID, SKEYID_d | g^xy | CKY-I | CKY-R | 1)
//	SKEYID_e = prf(SKEYID, SKEYID_a | g^xy | CKY-I | CKY-R | 2)
func DeriveKeys(alg HashAlg, skeyid, gxy []byte, ckyI, ckyR [8]byte) (*SkeyidMaterial, error) {
	suffix := append(append([]byte{}, ckyI[:]...), ckyR[:]...)

	d, err := PRF(alg, skeyid, concat(gxy, suffix, []byte{0}))
	if err != nil {
		return nil, err
	}
	a, err := PRF(alg, skeyid, concat(d, gxy, suffix, []byte{1}))
	if err != nil {
		return nil, err
	}
	e, err := PRF(alg, skeyid, concat(a, gxy, suffix, []byte{2}))
	if err != nil {
		return nil, err
	}
	return &SkeyidMaterial{Skeyid: skeyid, D: d, A: a, E: e}, nil
}

// ExpandKeyMaterial stretches seed key material to n bytes per RFC
// 2409 Appendix B, used when SKEYID_e is shorter than the negotiated
// cipher's key length:
//
//	Kn = prf(SKEYID_e, Kn-1), K0 = empty, output = K1|K2|...
func ExpandKeyMaterial(alg HashAlg, skeyidE []byte, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	var block []byte
	for len(out) < n {
		next, err := PRF(alg, skeyidE, block)
		if err != nil {
			return nil, err
		}
		block = next
		out = append(out, next...)
	}
	return out[:n], nil
}

// DerivePhase2KeyMaterial expands a Phase-2 (Quick Mode) SA's keying
// material per RFC 2409 §5.5:
//
//	KEYMAT = prf(SKEYID_d, protocol | SPI | Ni_b | Nr_b)  (no PFS)
//	Kn = prf(SKEYID_d, Kn-1 | protocol | SPI | Ni_b | Nr_b)
//
// called once per direction (each SPI gets its own KEYMAT).
func DerivePhase2KeyMaterial(alg HashAlg, skeyidD []byte, protocol byte, spi, niB, nrB []byte, n int) ([]byte, error) {
	seedTail := concat([]byte{protocol}, spi, niB, nrB)
	out := make([]byte, 0, n)
	var block []byte
	for len(out) < n {
		next, err := PRF(alg, skeyidD, concat(block, seedTail))
		if err != nil {
			return nil, err
		}
		block = next
		out = append(out, next...)
	}
	return out[:n], nil
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
