package ike

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/ikecrypto"
	"github.com/ccvpn-oss/ccvpn/ikewire"
)

// quickModeFake plays the responder's side of one Quick Mode exchange:
// it captures message 1 (to read the initiator's freshly generated
// nonce) and answers with a message 2 whose HASH(2) is computed for
// real, so RunQuickMode's HASH(2) verification exercises the actual
// check rather than a stub.
type quickModeFake struct {
	sent       []*ikewire.Message
	skeyidA    []byte
	hashAlg    ikecrypto.HashAlg
	messageID  uint32
	saResp     []byte
	nr         []byte
	idCi, idCr []byte
}

func (f *quickModeFake) Send(msg *ikewire.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *quickModeFake) Recv() (*ikewire.Message, error) {
	msg1 := f.sent[len(f.sent)-1]
	ni := msg1.Get(ikewire.PayloadNonce).Body
	hash2, err := quickModeHash(f.hashAlg, f.skeyidA, f.messageID, ni, f.saResp, f.nr, f.idCi, f.idCr)
	if err != nil {
		return nil, err
	}
	return &ikewire.Message{
		Payloads: []*ikewire.Payload{
			{Type: ikewire.PayloadSA, Body: f.saResp},
			{Type: ikewire.PayloadNonce, Body: f.nr},
			{Type: ikewire.PayloadHash, Body: hash2},
		},
	}, nil
}

func TestRunQuickModeDerivesDistinctDirectionalKeysAndVerifiesHash2(t *testing.T) {
	skeyidA := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	skeyidD := []byte("0123456789abcdef0123456789abcdef")
	p1 := &Phase1Result{
		InitiatorCky: [8]byte{1},
		ResponderCky: [8]byte{2},
		Transform: &SelectedTransform{
			DHGroup: ikewire.DHGroup14, Enc: ikecrypto.EncAES, KeyBits: 256, Hash: ikecrypto.HashSHA1,
		},
		Keys: &ikecrypto.SkeyidMaterial{A: skeyidA, D: skeyidD},
	}

	respSPI := []byte{9, 9, 9, 9}
	saResp := ikewire.MarshalSA(1, []ikewire.Proposal{{
		ProposalNum: 1,
		ProtocolID:  ikewire.ProtoESP,
		SPI:         respSPI,
		Transforms: []ikewire.Transform{{
			TransformID: ikewire.ESPTransformAES,
			Attributes: []ikewire.Attribute{
				ikewire.AttrUint16(ikewire.AttrAuthAlg, ikewire.AuthAlgHMACSHA1),
				ikewire.AttrUint32(ikewire.AttrP2KeyLength, 256),
				ikewire.AttrUint32(ikewire.AttrP2LifeDuration, 3600),
			},
		}},
	}})
	nr := []byte("responder-nonce-bytes")
	idCi := ikewire.MarshalID(ikewire.IDIPv4Subnet, 0, 0, selectorBytes("10.10.0.5/32"))
	idCr := ikewire.MarshalID(ikewire.IDIPv4Subnet, 0, 0, selectorBytes("0.0.0.0/0"))

	ex := &quickModeFake{
		skeyidA: skeyidA, hashAlg: ikecrypto.HashSHA1, messageID: 1001,
		saResp: saResp, nr: nr, idCi: idCi, idCr: idCr,
	}

	sa, err := RunQuickMode(ex, p1, "10.10.0.5", "0.0.0.0/0", 1001, 3600)
	require.NoError(t, err)
	assert.NotEqual(t, sa.Out.EncKey, sa.In.EncKey)
	assert.Len(t, sa.Out.EncKey, 32)
	assert.Len(t, sa.Out.AuthKey, 20) // HMAC-SHA1 digest size
	assert.Equal(t, uint32(3600), sa.Lifetime)
	assert.False(t, sa.RekeyAt.IsZero())

	require.Len(t, ex.sent, 2)
	assert.Equal(t, ikewire.ExchangeQuickMode, ex.sent[0].Header.ExchangeType)
}

func TestRunQuickModeRejectsBadHash2(t *testing.T) {
	p1 := &Phase1Result{
		InitiatorCky: [8]byte{1},
		ResponderCky: [8]byte{2},
		Transform: &SelectedTransform{
			DHGroup: ikewire.DHGroup14, Enc: ikecrypto.EncAES, KeyBits: 256, Hash: ikecrypto.HashSHA1,
		},
		Keys: &ikecrypto.SkeyidMaterial{
			A: []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
			D: []byte("0123456789abcdef0123456789abcdef"),
		},
	}
	saResp := ikewire.MarshalSA(1, []ikewire.Proposal{{
		ProposalNum: 1,
		ProtocolID:  ikewire.ProtoESP,
		SPI:         []byte{9, 9, 9, 9},
		Transforms: []ikewire.Transform{{
			TransformID: ikewire.ESPTransformAES,
			Attributes: []ikewire.Attribute{
				ikewire.AttrUint16(ikewire.AttrAuthAlg, ikewire.AuthAlgHMACSHA1),
				ikewire.AttrUint32(ikewire.AttrP2KeyLength, 256),
			},
		}},
	}})

	ex := &scriptedExchanger{queue: []*ikewire.Message{{
		Payloads: []*ikewire.Payload{
			{Type: ikewire.PayloadSA, Body: saResp},
			{Type: ikewire.PayloadNonce, Body: []byte("responder-nonce-bytes")},
			{Type: ikewire.PayloadHash, Body: []byte("not-the-real-hash")},
		},
	}}}

	_, err := RunQuickMode(ex, p1, "10.10.0.5", "0.0.0.0/0", 1001, 3600)
	require.Error(t, err)
}
