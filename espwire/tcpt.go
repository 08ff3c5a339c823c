package espwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TCPT frame tags distinguish an ESP packet body from a control record
// inside the length-prefixed stream (§4.1).
type FrameTag uint8

const (
	FrameESP     FrameTag = 1
	FrameControl FrameTag = 2
	FrameProbe   FrameTag = 3 // NAT-T-style probe/reply used during carrier selection (§4.5)
)

const frameLenPrefix = 4 // uint32 length, not including the prefix itself

// WriteFrame writes one length-prefixed TCPT frame: {uint32 len}{tag
// byte}{body}. Writes are not interleaved by this function; callers
// serialize access to the connection (§5's single-writer discipline).
func WriteFrame(w io.Writer, tag FrameTag, body []byte) error {
	hdr := make([]byte, frameLenPrefix+1)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(body)+1))
	hdr[4] = byte(tag)
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("espwire: tcpt frame header write: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("espwire: tcpt frame body write: %w", err)
		}
	}
	return nil
}

// MaxFrameBody bounds a single TCPT frame body to guard against a
// malicious or corrupt length prefix causing an unbounded allocation.
const MaxFrameBody = 1 << 20

// ReadFrame reads one length-prefixed TCPT frame, coalescing short
// reads as required by §4.1 ("Short reads MUST be coalesced; partial
// frames are fatal" means a frame that never completes — e.g. peer
// hangs up mid-frame — is an error, not that we give up on the first
// short Read syscall).
func ReadFrame(r io.Reader) (FrameTag, []byte, error) {
	var lb [frameLenPrefix]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return 0, nil, fmt.Errorf("espwire: tcpt frame length read: %w", err)
	}
	n := binary.BigEndian.Uint32(lb[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("espwire: tcpt frame missing tag byte")
	}
	if n > MaxFrameBody {
		return 0, nil, fmt.Errorf("espwire: tcpt frame length %d exceeds maximum %d", n, MaxFrameBody)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, fmt.Errorf("espwire: tcpt frame body read (partial frame is fatal): %w", err)
	}
	return FrameTag(buf[0]), buf[1:], nil
}
