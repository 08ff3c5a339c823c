package ike

import (
	"crypto/rand"
	"fmt"

	"github.com/ccvpn-oss/ccvpn/ikecrypto"
	"github.com/ccvpn-oss/ccvpn/ikewire"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// preferenceEntry is one candidate (DH group, cipher, hash) triple in
// the fixed preference order the proposer emits, highest first (§4.2:
// "fixed preference list (AES-256-SHA-256-DH14 highest)").
type preferenceEntry struct {
	dh      uint16
	enc     ikecrypto.EncAlg
	keyBits int
	hash    ikecrypto.HashAlg
}

var phase1Preference = []preferenceEntry{
	{dh: ikewire.DHGroup14, enc: ikecrypto.EncAES, keyBits: 256, hash: ikecrypto.HashSHA256},
	{dh: ikewire.DHGroup14, enc: ikecrypto.EncAES, keyBits: 128, hash: ikecrypto.HashSHA256},
	{dh: ikewire.DHGroup2, enc: ikecrypto.EncAES, keyBits: 256, hash: ikecrypto.HashSHA1},
	{dh: ikewire.DHGroup2, enc: ikecrypto.EncAES, keyBits: 128, hash: ikecrypto.HashSHA1},
	{dh: ikewire.DHGroup2, enc: ikecrypto.Enc3DES, keyBits: 192, hash: ikecrypto.HashSHA1},
	{dh: ikewire.DHGroup2, enc: ikecrypto.Enc3DES, keyBits: 192, hash: ikecrypto.HashMD5},
}

// BuildPhase1Proposal renders the proposer's Phase-1 SA payload body
// in fixed preference order, one transform per candidate, for the
// given authentication class (PSK vs. cert/XAuth changes the auth
// method attribute only, not the cipher/hash/DH menu). lifetimeSeconds
// is the requested Phase-1 SA lifetime (profile.ConnectionProfile.IKELifetime);
// the gateway's own response may negotiate a different value.
func BuildPhase1Proposal(authMethod uint16, lifetimeSeconds uint32) []byte {
	if lifetimeSeconds == 0 {
		lifetimeSeconds = uint32(profile.DefaultLeaseTime.Seconds())
	}
	var transforms []ikewire.Transform
	for i, c := range phase1Preference {
		attrs := []ikewire.Attribute{
			ikewire.AttrUint16(ikewire.AttrEncAlg, uint16(c.enc)),
			ikewire.AttrUint16(ikewire.AttrHashAlg, uint16(c.hash)),
			ikewire.AttrUint16(ikewire.AttrAuthMethod, authMethod),
			ikewire.AttrUint16(ikewire.AttrDHGroup, c.dh),
			ikewire.AttrUint32(ikewire.AttrLifeType, 1), // seconds
			ikewire.AttrUint32(ikewire.AttrLifeDuration, lifetimeSeconds),
		}
		if c.enc == ikecrypto.EncAES {
			attrs = append(attrs, ikewire.AttrUint32(ikewire.AttrKeyLength, uint32(c.keyBits)))
		}
		transforms = append(transforms, ikewire.Transform{TransformID: uint8(i + 1), Attributes: attrs})
	}
	return ikewire.MarshalSA(1, []ikewire.Proposal{{
		ProposalNum: 1,
		ProtocolID:  ikewire.ProtoISAKMP,
		Transforms:  transforms,
	}})
}

// SelectedTransform is what the acceptor chose out of a server-offered
// Phase 1 SA payload: "acceptor takes the first server-offered
// proposal that matches any configured option" (§4.2).
type SelectedTransform struct {
	DHGroup uint16
	Enc     ikecrypto.EncAlg
	KeyBits int
	Hash    ikecrypto.HashAlg
	AuthMethod uint16
	LifetimeS uint32
}

// SelectPhase1Transform walks the server's offered proposals/transforms
// in order and returns the first whose (DH, enc, hash) triple is also
// in our own preference list.
func SelectPhase1Transform(offered []ikewire.Proposal) (*SelectedTransform, error) {
	allowed := map[preferenceEntry]bool{}
	for _, c := range phase1Preference {
		allowed[c] = true
	}

	for _, prop := range offered {
		for _, tr := range prop.Transforms {
			var key preferenceEntry
			var authMethod uint16
			var lifetime uint32 = uint32(profile.DefaultLeaseTime.Seconds())
			for _, a := range tr.Attributes {
				switch a.Type {
				case ikewire.AttrEncAlg:
					key.enc = ikecrypto.EncAlg(a.Uint16())
				case ikewire.AttrHashAlg:
					key.hash = ikecrypto.HashAlg(a.Uint16())
				case ikewire.AttrDHGroup:
					key.dh = a.Uint16()
				case ikewire.AttrAuthMethod:
					authMethod = a.Uint16()
				case ikewire.AttrKeyLength:
					key.keyBits = int(a.Uint32())
				case ikewire.AttrLifeDuration:
					lifetime = a.Uint32()
				}
			}
			if key.keyBits == 0 && key.enc == ikecrypto.Enc3DES {
				key.keyBits = 192
			}
			if allowed[key] {
				return &SelectedTransform{
					DHGroup: key.dh, Enc: key.enc, KeyBits: key.keyBits, Hash: key.hash,
					AuthMethod: authMethod, LifetimeS: lifetime,
				}, nil
			}
		}
	}
	return nil, fmt.Errorf("ike: no offered Phase-1 transform matches our configured options")
}

// GenerateNonce returns a fresh nonce payload body, sized generously
// (16-32 bytes is typical; 32 is used throughout for simplicity).
func GenerateNonce() ([]byte, error) {
	n := make([]byte, 32)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}
