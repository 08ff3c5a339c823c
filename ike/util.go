package ike

import (
	"crypto/rand"
	"math/big"
	"net"
)

// randCookie fills an ISAKMP cookie with crypto-random bytes.
func randCookie(cky *[8]byte) error {
	_, err := rand.Read(cky[:])
	return err
}

// parseIPOrZero parses s as an IP, returning the unspecified IPv4
// address instead of nil/erroring on failure so NAT-D hashing and peer
// ID checks always have something 4-byte-shaped to hash/compare.
func parseIPOrZero(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		return net.IPv4zero
	}
	return ip
}

// bytesToBigInt interprets a KE payload body as a big-endian unsigned
// integer, the peer's DH public value.
func bytesToBigInt(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}
