package ikecrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDHSharedSecretAgrees(t *testing.T) {
	for _, g := range []*Group{Group2, Group14} {
		a, err := GenerateKeyPair(g)
		require.NoError(t, err)
		b, err := GenerateKeyPair(g)
		require.NoError(t, err)

		sa := a.SharedSecret(b.Public)
		sb := b.SharedSecret(a.Public)
		assert.Equal(t, sa.Cmp(sb), 0)
	}
}

func TestFixedLenBytesPadsAndTruncates(t *testing.T) {
	v := Group2.Prime
	b := FixedLenBytes(v, Group2.ByteLen())
	assert.Len(t, b, Group2.ByteLen())

	small := FixedLenBytesSmallValue(t)
	assert.Len(t, small, 16)
}

// FixedLenBytesSmallValue is a tiny helper exercising the zero-pad
// path (a value much smaller than the requested width).
func FixedLenBytesSmallValue(t *testing.T) []byte {
	t.Helper()
	v := Group2.Generator // small value: 2
	return FixedLenBytes(v, 16)
}

func TestDeriveKeysPSKDeterministic(t *testing.T) {
	psk := []byte("shared-secret")
	ni := []byte("nonce-initiator")
	nr := []byte("nonce-responder")
	gxy := []byte("dh-shared-secret-bytes")
	var ckyI, ckyR [8]byte
	copy(ckyI[:], "INITCKY ")
	copy(ckyR[:], "RESPCKY ")

	skeyid, err := DeriveSkeyidPSK(HashSHA256, psk, ni, nr)
	require.NoError(t, err)

	m1, err := DeriveKeys(HashSHA256, skeyid, gxy, ckyI, ckyR)
	require.NoError(t, err)
	m2, err := DeriveKeys(HashSHA256, skeyid, gxy, ckyI, ckyR)
	require.NoError(t, err)

	assert.Equal(t, m1.D, m2.D)
	assert.Equal(t, m1.A, m2.A)
	assert.Equal(t, m1.E, m2.E)
	assert.NotEqual(t, m1.D, m1.A)
	assert.NotEqual(t, m1.A, m1.E)
}

func TestExpandKeyMaterialLength(t *testing.T) {
	seed := []byte("skeyid-e-bytes")
	out, err := ExpandKeyMaterial(HashSHA256, seed, 32)
	require.NoError(t, err)
	assert.Len(t, out, 32)

	out2, err := ExpandKeyMaterial(HashSHA256, seed, 5)
	require.NoError(t, err)
	assert.Len(t, out2, 5)
}

func TestCBCRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	iv := make([]byte, 16)
	plain := []byte("0123456789abcdef") // exactly one AES block

	enc, err := NewCBCEncrypter(EncAES, key, iv)
	require.NoError(t, err)
	ct := make([]byte, len(plain))
	enc.CryptBlocks(ct, plain)

	dec, err := NewCBCDecrypter(EncAES, key, iv)
	require.NoError(t, err)
	pt := make([]byte, len(ct))
	dec.CryptBlocks(pt, ct)
	assert.Equal(t, plain, pt)
}

func TestEncAlgBlockSize(t *testing.T) {
	n, err := Enc3DES.BlockSize()
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	n, err = EncAES.BlockSize()
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}
