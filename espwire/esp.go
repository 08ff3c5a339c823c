// Package espwire implements the ESP packet codec and the TCPT framing
// used to carry it (§4.1), the same hand-rolled big-endian binary
// style the teacher uses in xsnet/net.go for its own packet framing
// (length-prefixed frames, HMAC tag appended, explicit padding).
package espwire

import (
	"crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"hash"
)

// Packet is a decoded ESP packet: {SPI, seq, encrypted payload, pad,
// pad-len, next-header, integrity tag}. Authentication covers SPI
// through next-header, per §4.1.
type Packet struct {
	SPI        uint32
	Seq        uint32
	IV         []byte // explicit CBC IV, length depends on cipher block size
	Ciphertext []byte // encrypted {payload || pad || padLen || nextHeader}
	ICV        []byte // integrity tag
}

const (
	spiLen = 4
	seqLen = 4
)

// MarshalUnauthenticated renders SPI||seq||IV||ciphertext, the portion
// that integrity covers; ICV is appended separately once computed,
// since the caller (the Cipher below) owns the MAC key.
func (p *Packet) marshalUnauthenticated() []byte {
	b := make([]byte, spiLen+seqLen+len(p.IV)+len(p.Ciphertext))
	binary.BigEndian.PutUint32(b[0:4], p.SPI)
	binary.BigEndian.PutUint32(b[4:8], p.Seq)
	copy(b[8:8+len(p.IV)], p.IV)
	copy(b[8+len(p.IV):], p.Ciphertext)
	return b
}

// Marshal renders the full wire packet, authenticated portion plus ICV.
func (p *Packet) Marshal() []byte {
	return append(p.marshalUnauthenticated(), p.ICV...)
}

// Unmarshal decodes SPI/seq and leaves the remaining bytes as
// IV+ciphertext+ICV for the caller to split once it knows the cipher's
// IV length and the MAC's tag length (both depend on the negotiated
// Phase-2 transform, which this package doesn't know about).
func Unmarshal(b []byte, ivLen, icvLen int) (*Packet, error) {
	if len(b) < spiLen+seqLen+ivLen+icvLen {
		return nil, fmt.Errorf("espwire: short packet (%d bytes)", len(b))
	}
	p := &Packet{
		SPI: binary.BigEndian.Uint32(b[0:4]),
		Seq: binary.BigEndian.Uint32(b[4:8]),
	}
	rest := b[8:]
	p.IV = append([]byte(nil), rest[:ivLen]...)
	rest = rest[ivLen:]
	p.ICV = append([]byte(nil), rest[len(rest)-icvLen:]...)
	p.Ciphertext = append([]byte(nil), rest[:len(rest)-icvLen]...)
	return p, nil
}

// SeqCounter enforces §3's invariant that outbound ESP sequence
// numbers are strictly increasing per-SA; reuse is a fatal error.
// It is the single-writer discipline called out in §5.
type SeqCounter struct {
	next uint32
	used bool
}

// Next returns the next sequence number to use, or an error if the
// counter has wrapped (seq 0 is never reused once the SA has sent at
// least one packet, per RFC 4303; wrapping forces a rekey, which is
// the caller's responsibility to trigger).
func (c *SeqCounter) Next() (uint32, error) {
	if c.used && c.next == 0 {
		return 0, fmt.Errorf("espwire: sequence number wrapped, SA must be rekeyed")
	}
	n := c.next
	c.used = true
	c.next++
	return n, nil
}

// Seal encrypts plaintext (already padded by the caller per §4.1: pad,
// pad-len, next-header appended) and authenticates SPI..nextHeader,
// appending the ICV. aead is not used since the mandatory cipher suite
// (3DES/AES-CBC + separate hash) is not AEAD; block is a CBC encrypter
// already keyed for this direction, mac is an HMAC already keyed for
// this direction.
func Seal(spi uint32, seq uint32, iv []byte, block cipher.BlockMode, mac hash.Hash, plaintext []byte) (*Packet, error) {
	if len(plaintext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("espwire: plaintext length %d not a multiple of block size %d", len(plaintext), block.BlockSize())
	}
	ct := make([]byte, len(plaintext))
	block.CryptBlocks(ct, plaintext)

	p := &Packet{SPI: spi, Seq: seq, IV: iv, Ciphertext: ct}
	mac.Reset()
	mac.Write(p.marshalUnauthenticated())
	p.ICV = mac.Sum(nil)
	return p, nil
}

// Open verifies the ICV and decrypts the ciphertext, returning the
// padded plaintext (pad, pad-len, next-header still attached; stripping
// those is the transport layer's job since it knows the selector).
func Open(p *Packet, block cipher.BlockMode, mac hash.Hash) ([]byte, error) {
	mac.Reset()
	mac.Write(p.marshalUnauthenticated())
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, p.ICV) {
		return nil, fmt.Errorf("espwire: integrity check failed")
	}
	if len(p.Ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("espwire: ciphertext length %d not a multiple of block size %d", len(p.Ciphertext), block.BlockSize())
	}
	pt := make([]byte, len(p.Ciphertext))
	block.CryptBlocks(pt, p.Ciphertext)
	return pt, nil
}

// PadPlaintext appends ESP padding per §4.1: pad bytes, a one-byte
// pad-length, and the one-byte next-header, so the total is a multiple
// of blockSize.
func PadPlaintext(payload []byte, nextHeader byte, blockSize int) []byte {
	total := len(payload) + 2 // + padLen byte + nextHeader byte
	rem := total % blockSize
	padLen := 0
	if rem != 0 {
		padLen = blockSize - rem
	}
	out := make([]byte, len(payload)+padLen+2)
	copy(out, payload)
	for i := 0; i < padLen; i++ {
		out[len(payload)+i] = byte(i + 1)
	}
	out[len(out)-2] = byte(padLen)
	out[len(out)-1] = nextHeader
	return out
}

// UnpadPlaintext strips ESP padding, returning the inner payload and
// the next-header byte.
func UnpadPlaintext(padded []byte) (payload []byte, nextHeader byte, err error) {
	if len(padded) < 2 {
		return nil, 0, fmt.Errorf("espwire: padded plaintext too short")
	}
	nextHeader = padded[len(padded)-1]
	padLen := int(padded[len(padded)-2])
	if padLen+2 > len(padded) {
		return nil, 0, fmt.Errorf("espwire: invalid pad length %d", padLen)
	}
	return padded[:len(padded)-2-padLen], nextHeader, nil
}
