// Package ikewire implements the ISAKMP/IKEv1 wire codec (§4.1): the
// fixed header, the forward-linked payload chain, attribute encoding
// (the AF-bit TL/TLV split), and NAT-D hashing. Like the teacher's own
// xsnet/net.go, which hand-rolls its packet framing with
// encoding/binary rather than reaching for a generic binary-struct
// library, there is no ISAKMP-aware Go package in the retrieval pack
// (or, so far as this module is concerned, the ecosystem) so this is a
// hand-written, big-endian, back-patched-length codec in the same
// spirit.
package ikewire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ExchangeType identifies the ISAKMP exchange.
type ExchangeType uint8

const (
	ExchangeBase           ExchangeType = 1
	ExchangeIdentProtected ExchangeType = 2 // "Main Mode"
	ExchangeAuthOnly       ExchangeType = 3
	ExchangeAggressive     ExchangeType = 4 // "Aggressive Mode"
	ExchangeInformational  ExchangeType = 5
	ExchangeTransaction    ExchangeType = 6 // XAuth / MODE_CFG
	ExchangeQuickMode      ExchangeType = 32
)

// PayloadType identifies a payload in the forward-linked chain.
type PayloadType uint8

const (
	PayloadNone         PayloadType = 0
	PayloadSA           PayloadType = 1
	PayloadProposal     PayloadType = 2
	PayloadTransform    PayloadType = 3
	PayloadKE           PayloadType = 4
	PayloadID           PayloadType = 5
	PayloadCert         PayloadType = 6
	PayloadCertReq      PayloadType = 7
	PayloadHash         PayloadType = 8
	PayloadSig          PayloadType = 9
	PayloadNonce        PayloadType = 10
	PayloadNotify       PayloadType = 11
	PayloadDelete       PayloadType = 12
	PayloadVendorID     PayloadType = 13
	PayloadAttributes   PayloadType = 14 // MODE_CFG / XAuth attribute payload
	PayloadNATD         PayloadType = 130
	PayloadNATOA        PayloadType = 131
	PayloadHashAndURL   PayloadType = 132
)

// Flags is the one-byte ISAKMP header flags field.
type Flags uint8

const (
	FlagEncryption Flags = 1 << 0
	FlagCommit     Flags = 1 << 1
	FlagAuthOnly   Flags = 1 << 2
)

// CertEncoding identifies a Cert payload's content per RFC 2408 §3.9.
type CertEncoding uint8

const (
	CertEncodingX509Sig CertEncoding = 4
)

const HeaderLen = 28

// Header is the fixed 28-byte ISAKMP header (§4.1).
type Header struct {
	InitiatorCookie [8]byte
	ResponderCookie [8]byte
	NextPayload     PayloadType
	Version         uint8 // 0x10
	ExchangeType    ExchangeType
	Flags           Flags
	MessageID       uint32
	Length          uint32 // back-patched on encode
}

func (h *Header) Marshal() []byte {
	b := make([]byte, HeaderLen)
	copy(b[0:8], h.InitiatorCookie[:])
	copy(b[8:16], h.ResponderCookie[:])
	b[16] = byte(h.NextPayload)
	b[17] = h.Version
	b[18] = byte(h.ExchangeType)
	b[19] = byte(h.Flags)
	binary.BigEndian.PutUint32(b[20:24], h.MessageID)
	binary.BigEndian.PutUint32(b[24:28], h.Length)
	return b
}

func UnmarshalHeader(b []byte) (*Header, error) {
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("ikewire: short header (%d bytes)", len(b))
	}
	h := &Header{
		NextPayload:  PayloadType(b[16]),
		Version:      b[17],
		ExchangeType: ExchangeType(b[18]),
		Flags:        Flags(b[19]),
		MessageID:    binary.BigEndian.Uint32(b[20:24]),
		Length:       binary.BigEndian.Uint32(b[24:28]),
	}
	copy(h.InitiatorCookie[:], b[0:8])
	copy(h.ResponderCookie[:], b[8:16])
	return h, nil
}

// Payload is one generic entry in the forward-linked payload chain:
// the next-payload byte plus a 2-byte reserved field and 2-byte length
// are implicit in the generic header every payload shares.
type Payload struct {
	Type PayloadType // this payload's own type, informational
	Next PayloadType // next-payload byte, written into the chain
	Body []byte      // payload-specific content, excluding the 4-byte generic header
}

const genericPayloadHeaderLen = 4

func marshalPayload(p *Payload) []byte {
	b := make([]byte, genericPayloadHeaderLen+len(p.Body))
	b[0] = byte(p.Next)
	b[1] = 0 // reserved
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	copy(b[4:], p.Body)
	return b
}

// Message is a decoded ISAKMP message: the header plus the ordered
// payload chain.
type Message struct {
	Header   Header
	Payloads []*Payload
}

// Marshal encodes the header and payload chain, back-patching the
// header's Length field and each payload's NextPayload linkage.
func (m *Message) Marshal() []byte {
	var buf bytes.Buffer
	h := m.Header
	if len(m.Payloads) > 0 {
		h.NextPayload = m.Payloads[0].Type
	} else {
		h.NextPayload = PayloadNone
	}
	for i, p := range m.Payloads {
		if i+1 < len(m.Payloads) {
			p.Next = m.Payloads[i+1].Type
		} else {
			p.Next = PayloadNone
		}
	}
	buf.Write(h.Marshal())
	for _, p := range m.Payloads {
		buf.Write(marshalPayload(p))
	}
	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[24:28], uint32(len(out)))
	return out
}

// Unmarshal decodes a full ISAKMP message, walking the forward-linked
// payload chain left-to-right as described in §4.1.
func Unmarshal(b []byte) (*Message, error) {
	h, err := UnmarshalHeader(b)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: *h}
	rest := b[HeaderLen:]
	next := h.NextPayload
	for next != PayloadNone {
		if len(rest) < genericPayloadHeaderLen {
			return nil, fmt.Errorf("ikewire: truncated payload chain")
		}
		payloadNext := PayloadType(rest[0])
		length := binary.BigEndian.Uint16(rest[2:4])
		if int(length) < genericPayloadHeaderLen || int(length) > len(rest) {
			return nil, fmt.Errorf("ikewire: invalid payload length %d", length)
		}
		p := &Payload{
			Type: next,
			Next: payloadNext,
			Body: append([]byte(nil), rest[genericPayloadHeaderLen:length]...),
		}
		m.Payloads = append(m.Payloads, p)
		rest = rest[length:]
		next = payloadNext
	}
	return m, nil
}

// Get returns the first payload of the given type.
func (m *Message) Get(t PayloadType) *Payload {
	for _, p := range m.Payloads {
		if p.Type == t {
			return p
		}
	}
	return nil
}

// All returns every payload of the given type (e.g. multiple Cert payloads).
func (m *Message) All(t PayloadType) []*Payload {
	var out []*Payload
	for _, p := range m.Payloads {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}
