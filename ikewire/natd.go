package ikewire

import (
	"crypto/sha1" // nolint: gosec -- NAT-D hashing is specified as SHA-1, not used for any security property
	"encoding/binary"
	"net"
)

// NATDHash computes SHA-1(CKY-I || CKY-R || IP || port), the NAT
// detection hash defined in §4.1. It is used both to advertise our own
// endpoint's hash and to compute the expected hash for the peer's
// endpoint, so the two sides can detect whether a NAT sits between
// them.
func NATDHash(ckyI, ckyR [8]byte, ip net.IP, port uint16) []byte {
	h := sha1.New() // nolint: gosec
	h.Write(ckyI[:])
	h.Write(ckyR[:])
	if v4 := ip.To4(); v4 != nil {
		h.Write(v4)
	} else {
		h.Write(ip.To16())
	}
	var pb [2]byte
	binary.BigEndian.PutUint16(pb[:], port)
	h.Write(pb[:])
	return h.Sum(nil)
}

// NATDetected reports whether a NAT sits on our side, the peer's side,
// or both, by comparing the two NAT-D hashes we received against the
// hashes we independently compute for both endpoints' believed
// addresses. Per §4.4, a mismatch does not fail the exchange by
// itself; the caller decides whether to shift to NAT-T encapsulation.
func NATDetected(received [][]byte, expectedMine, expectedPeer []byte) (mineMatched, peerMatched bool) {
	for _, r := range received {
		if bytesEqual(r, expectedMine) {
			mineMatched = true
		}
		if bytesEqual(r, expectedPeer) {
			peerMatched = true
		}
	}
	return
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
