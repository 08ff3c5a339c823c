package ikewire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{
		Header: Header{
			ExchangeType: ExchangeIdentProtected,
			Version:      0x10,
			MessageID:    0,
		},
		Payloads: []*Payload{
			{Type: PayloadSA, Body: MarshalSA(1, []Proposal{{
				ProposalNum: 1,
				ProtocolID:  ProtoISAKMP,
				Transforms: []Transform{{
					TransformID: 1,
					Attributes: []Attribute{
						AttrUint16(AttrEncAlg, EncAES),
						AttrUint32(AttrKeyLength, 256),
						AttrUint16(AttrHashAlg, HashSHA256),
						AttrUint16(AttrDHGroup, DHGroup14),
					},
				}},
			}})},
			{Type: PayloadNonce, Body: []byte("nonce-bytes-here")},
		},
	}
	msg.Header.InitiatorCookie = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}

	raw := msg.Marshal()
	decoded, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, msg.Header.InitiatorCookie, decoded.Header.InitiatorCookie)
	assert.Equal(t, ExchangeIdentProtected, decoded.Header.ExchangeType)
	require.Len(t, decoded.Payloads, 2)
	assert.Equal(t, PayloadSA, decoded.Payloads[0].Type)
	assert.Equal(t, PayloadNonce, decoded.Payloads[1].Type)
	assert.Equal(t, []byte("nonce-bytes-here"), decoded.Payloads[1].Body)

	// re-marshal must reproduce the same bytes (no semantic change)
	raw2 := decoded.Marshal()
	assert.Equal(t, raw, raw2)
}

func TestUnmarshalProposalsRoundTrip(t *testing.T) {
	body := MarshalSA(1, []Proposal{
		{
			ProposalNum: 1,
			ProtocolID:  ProtoISAKMP,
			Transforms: []Transform{
				{TransformID: 1, Attributes: []Attribute{
					AttrUint16(AttrEncAlg, EncAES),
					AttrUint32(AttrKeyLength, 256),
					AttrUint16(AttrHashAlg, HashSHA256),
					AttrUint16(AttrDHGroup, DHGroup14),
				}},
				{TransformID: 2, Attributes: []Attribute{
					AttrUint16(AttrEncAlg, Enc3DES),
					AttrUint16(AttrHashAlg, HashSHA1),
					AttrUint16(AttrDHGroup, DHGroup2),
				}},
			},
		},
	})

	proposals, err := UnmarshalProposals(body[4:])
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, uint8(1), proposals[0].ProposalNum)
	assert.Equal(t, ProtoISAKMP, proposals[0].ProtocolID)
	require.Len(t, proposals[0].Transforms, 2)

	enc, ok := Find(proposals[0].Transforms[0].Attributes, AttrEncAlg)
	require.True(t, ok)
	assert.Equal(t, EncAES, enc.Uint16())

	enc2, ok := Find(proposals[0].Transforms[1].Attributes, AttrEncAlg)
	require.True(t, ok)
	assert.Equal(t, Enc3DES, enc2.Uint16())
}

func TestUnmarshalProposalsTruncated(t *testing.T) {
	_, err := UnmarshalProposals([]byte{0, 0, 0})
	assert.Error(t, err)
}

func TestAttributePayloadRoundTrip(t *testing.T) {
	body := MarshalAttributePayload(CfgReply, 7, []Attribute{
		AttrBytes(AttrInternalIP4Address, net.IPv4(10, 10, 0, 5).To4()),
	})
	decoded, err := UnmarshalAttributePayload(body)
	require.NoError(t, err)
	assert.Equal(t, CfgReply, decoded.Type)
	assert.Equal(t, uint16(7), decoded.Identifier)
	require.Len(t, decoded.Attributes, 1)
	assert.Equal(t, net.IPv4(10, 10, 0, 5).To4(), net.IP(decoded.Attributes[0].Value))
}

func TestAttributeBothForms(t *testing.T) {
	attrs := []Attribute{
		AttrUint16(AttrEncAlg, EncAES),     // AF=1 inlined
		AttrUint32(AttrLifeDuration, 28800), // AF=0 TLV
	}
	b := MarshalAttributes(attrs)
	decoded, err := UnmarshalAttributes(b)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.True(t, decoded[0].AF)
	assert.Equal(t, uint16(EncAES), decoded[0].Uint16())
	assert.False(t, decoded[1].AF)
	assert.Equal(t, uint32(28800), decoded[1].Uint32())
}

func TestNATDetection(t *testing.T) {
	ckyI := [8]byte{1, 1, 1, 1, 1, 1, 1, 1}
	ckyR := [8]byte{2, 2, 2, 2, 2, 2, 2, 2}
	myIP := net.ParseIP("10.0.0.5")
	peerIP := net.ParseIP("203.0.113.9")

	myHash := NATDHash(ckyI, ckyR, myIP, 500)
	peerHash := NATDHash(ckyI, ckyR, peerIP, 500)

	mineMatched, peerMatched := NATDetected([][]byte{myHash, peerHash}, myHash, peerHash)
	assert.True(t, mineMatched)
	assert.True(t, peerMatched)

	// Simulate NAT on our side: peer never sees our real hash.
	mineMatched, peerMatched = NATDetected([][]byte{peerHash}, myHash, peerHash)
	assert.False(t, mineMatched)
	assert.True(t, peerMatched)
}
