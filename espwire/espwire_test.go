package espwire

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqCounterMonotonic(t *testing.T) {
	var c SeqCounter
	var last uint32
	first := true
	for i := 0; i < 1000; i++ {
		n, err := c.Next()
		require.NoError(t, err)
		if !first {
			assert.Greater(t, n, last)
		}
		last, first = n, false
	}
}

func TestSeqCounterWrapIsFatal(t *testing.T) {
	c := SeqCounter{next: 0, used: true}
	_, err := c.Next()
	assert.Error(t, err)
}

func TestPadUnpadRoundTrip(t *testing.T) {
	payload := []byte("hello world, this is an inner IP packet")
	padded := PadPlaintext(payload, 4 /* IPv4 */, aes.BlockSize)
	assert.Equal(t, 0, len(padded)%aes.BlockSize)
	got, nh, err := UnpadPlaintext(padded)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, byte(4), nh)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	iv := make([]byte, aes.BlockSize)
	_, _ = rand.Read(iv)

	macKey := make([]byte, 32)
	_, _ = rand.Read(macKey)

	plain := PadPlaintext([]byte("payload-bytes"), 4, aes.BlockSize)

	enc := cipher.NewCBCEncrypter(block, iv)
	pkt, err := Seal(0x1234, 1, iv, enc, hmac.New(sha256.New, macKey), plain)
	require.NoError(t, err)

	raw := pkt.Marshal()
	decoded, err := Unmarshal(raw, aes.BlockSize, sha256.Size)
	require.NoError(t, err)
	assert.Equal(t, pkt.SPI, decoded.SPI)
	assert.Equal(t, pkt.Seq, decoded.Seq)

	dec := cipher.NewCBCDecrypter(block, iv)
	got, err := Open(decoded, dec, hmac.New(sha256.New, macKey))
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	// Tamper with a byte: integrity check must fail.
	decoded.Ciphertext[0] ^= 0xFF
	dec2 := cipher.NewCBCDecrypter(block, iv)
	_, err = Open(decoded, dec2, hmac.New(sha256.New, macKey))
	assert.Error(t, err)
}

func TestTCPTFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameESP, []byte("esp-packet-bytes")))
	require.NoError(t, WriteFrame(&buf, FrameControl, []byte("ctl")))

	tag, body, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameESP, tag)
	assert.Equal(t, []byte("esp-packet-bytes"), body)

	tag, body, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameControl, tag)
	assert.Equal(t, []byte("ctl"), body)
}

func TestTCPTFramePartialIsFatal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameESP, []byte("0123456789")))
	truncated := buf.Bytes()[:6]
	_, _, err := ReadFrame(bytes.NewReader(truncated))
	assert.Error(t, err)
}
