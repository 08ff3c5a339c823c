package ikewire

import (
	"encoding/binary"
	"fmt"
)

// Phase-1 transform attribute types (RFC 2409 §5, abbreviated to the
// ones this client negotiates per §4.2).
const (
	AttrEncAlg        uint16 = 1
	AttrHashAlg       uint16 = 2
	AttrAuthMethod    uint16 = 3
	AttrDHGroup       uint16 = 4
	AttrLifeType      uint16 = 11
	AttrLifeDuration  uint16 = 12
	AttrKeyLength     uint16 = 14
	AttrPRF           uint16 = 18 // not in RFC2409 proper, vendor PRF selector for hash!=PRF profiles
)

// DH groups (§4.2): only 2 and 14 are mandatory.
const (
	DHGroup2  uint16 = 2
	DHGroup14 uint16 = 14
)

// Encryption algorithm ids.
const (
	EncDES    uint16 = 1
	Enc3DES   uint16 = 5
	EncAES    uint16 = 7 // paired with AttrKeyLength 128/192/256
)

// Hash/PRF algorithm ids.
const (
	HashMD5    uint16 = 1
	HashSHA1   uint16 = 2
	HashSHA256 uint16 = 4
	HashSHA384 uint16 = 5
	HashSHA512 uint16 = 6
)

// Auth method ids (RFC2409 + XAuth extension range).
const (
	AuthPSK            uint16 = 1
	AuthRSASig         uint16 = 3
	AuthXAuthInitPSK   uint16 = 65001
	AuthXAuthInitRSA   uint16 = 65003
)

// Phase-2 (Quick Mode) ESP transform ids (RFC 2407/IPSEC DOI).
const (
	ESPTransformDES  uint8 = 2
	ESPTransform3DES uint8 = 3
	ESPTransformAES  uint8 = 12
)

// Phase-2 (IPSEC DOI, RFC 2407 §4.5) SA attribute types: a separate
// numbering table from the Phase-1/ISAKMP one above, scoped to ESP
// transforms only.
const (
	AttrP2LifeType    uint16 = 1
	AttrP2LifeDuration uint16 = 2
	AttrEncapMode     uint16 = 4
	AttrAuthAlg       uint16 = 5
	AttrP2KeyLength   uint16 = 6
)

// HMAC auth algorithm ids carried in AttrAuthAlg for ESP transforms.
const (
	AuthAlgHMACMD5  uint16 = 1
	AuthAlgHMACSHA1 uint16 = 2
	AuthAlgHMACSHA256 uint16 = 5
)

// Encapsulation mode ids for AttrEncapMode.
const (
	EncapTunnel   uint16 = 1
	EncapTransport uint16 = 2
)

// Transform is one Phase-1/Phase-2 transform proposal: a transform id
// plus its attribute list (cipher, hash, DH group, lifetime, ...).
type Transform struct {
	TransformID uint8
	Attributes  []Attribute
}

// Proposal groups one or more Transforms under a Proposal# (Phase 1
// sends one proposal with several candidate transforms; Phase 2 quick
// mode proposals carry the ESP transform).
type Proposal struct {
	ProposalNum uint8
	ProtocolID  uint8 // ISAKMP=1, IPSEC_ESP=3
	SPI         []byte
	Transforms  []Transform
}

// MarshalSA encodes a payload body for a PayloadSA carrying the given
// proposals, situation 1 (SIT_IDENTITY_ONLY).
func MarshalSA(situation uint32, proposals []Proposal) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, situation)
	for _, p := range proposals {
		b = append(b, marshalProposal(p)...)
	}
	return b
}

func marshalProposal(p Proposal) []byte {
	var tbuf []byte
	for i, t := range p.Transforms {
		last := uint8(0)
		if i+1 < len(p.Transforms) {
			last = 3 // ISAKMP_NEXT_T
		}
		tbuf = append(tbuf, marshalTransform(t, last)...)
	}
	hdr := make([]byte, 8+len(p.SPI))
	hdr[0] = 0 // next payload placeholder, overwritten by caller chain semantics at the generic-payload level; within SA body it's "no more proposals" marker
	hdr[1] = 0
	binary.BigEndian.PutUint16(hdr[2:4], uint16(8+len(p.SPI)+len(tbuf)))
	hdr[4] = p.ProposalNum
	hdr[5] = p.ProtocolID
	hdr[6] = uint8(len(p.SPI))
	hdr[7] = uint8(len(p.Transforms))
	copy(hdr[8:], p.SPI)
	return append(hdr, tbuf...)
}

func marshalTransform(t Transform, nextProposal uint8) []byte {
	attrBytes := MarshalAttributes(t.Attributes)
	b := make([]byte, 8+len(attrBytes))
	b[0] = nextProposal
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	b[4] = t.TransformID
	b[5] = 0
	// bytes 6:8 reserved/transform# in full ISAKMP; kept zero, the
	// proposal index carries ordering for this codec's purposes.
	copy(b[8:], attrBytes)
	return b
}

// UnmarshalProposals decodes the proposal list that follows the 4-byte
// situation field in a PayloadSA body, mirroring the layout MarshalSA
// produces: each proposal's 2-byte length field covers its own header
// plus SPI plus transforms, so proposals are read back-to-back until
// the buffer is exhausted.
func UnmarshalProposals(b []byte) ([]Proposal, error) {
	var out []Proposal
	for len(b) > 0 {
		p, n, err := unmarshalProposal(b)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
		b = b[n:]
	}
	return out, nil
}

func unmarshalProposal(b []byte) (Proposal, int, error) {
	if len(b) < 8 {
		return Proposal{}, 0, fmt.Errorf("ikewire: truncated proposal header")
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < 8 || length > len(b) {
		return Proposal{}, 0, fmt.Errorf("ikewire: proposal length %d out of range", length)
	}
	proposalNum := b[4]
	protocolID := b[5]
	spiSize := int(b[6])
	transformCount := int(b[7])
	if 8+spiSize > length {
		return Proposal{}, 0, fmt.Errorf("ikewire: proposal SPI exceeds proposal length")
	}
	spi := append([]byte(nil), b[8:8+spiSize]...)

	tbuf := b[8+spiSize : length]
	transforms := make([]Transform, 0, transformCount)
	for len(tbuf) > 0 {
		t, n, err := unmarshalTransform(tbuf)
		if err != nil {
			return Proposal{}, 0, err
		}
		transforms = append(transforms, t)
		tbuf = tbuf[n:]
	}
	if len(transforms) != transformCount {
		return Proposal{}, 0, fmt.Errorf("ikewire: proposal declared %d transforms, found %d", transformCount, len(transforms))
	}

	return Proposal{ProposalNum: proposalNum, ProtocolID: protocolID, SPI: spi, Transforms: transforms}, length, nil
}

func unmarshalTransform(b []byte) (Transform, int, error) {
	if len(b) < 8 {
		return Transform{}, 0, fmt.Errorf("ikewire: truncated transform header")
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < 8 || length > len(b) {
		return Transform{}, 0, fmt.Errorf("ikewire: transform length %d out of range", length)
	}
	transformID := b[4]
	attrs, err := UnmarshalAttributes(b[8:length])
	if err != nil {
		return Transform{}, 0, err
	}
	return Transform{TransformID: transformID, Attributes: attrs}, length, nil
}

// ID payload types for the Identification payload (§4.1/§4.4).
const (
	IDIPv4Addr   uint8 = 1
	IDFQDN       uint8 = 2
	IDUserFQDN   uint8 = 3
	IDIPv4Subnet uint8 = 4
	IDKeyID      uint8 = 11
)

// MarshalID encodes an Identification payload body.
func MarshalID(idType uint8, protocolID uint8, port uint16, data []byte) []byte {
	b := make([]byte, 4+len(data))
	b[0] = idType
	b[1] = protocolID
	binary.BigEndian.PutUint16(b[2:4], port)
	copy(b[4:], data)
	return b
}

// DeleteProtocol identifies what an INFORMATIONAL Delete payload removes.
const (
	ProtoISAKMP uint8 = 1
	ProtoESP    uint8 = 3
)

// MarshalDelete encodes a Delete payload body for one or more SPIs.
func MarshalDelete(protocolID uint8, spiSize uint8, spis [][]byte) []byte {
	b := make([]byte, 4)
	b[0] = protocolID
	b[1] = spiSize
	binary.BigEndian.PutUint16(b[2:4], uint16(len(spis)))
	for _, spi := range spis {
		b = append(b, spi...)
	}
	return b
}
