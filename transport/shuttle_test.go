package transport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pairedCodecs builds two ESPCodec values that are each other's mirror:
// what codecA seals as "out," codecB must be able to open as "in," and
// vice versa, the same way a real Quick Mode SA assigns distinct
// directional keys (see ike.RunQuickMode).
func pairedCodecs(t *testing.T) (a, b *ESPCodec) {
	keyA := bytes.Repeat([]byte{0xAA}, 16)
	keyB := bytes.Repeat([]byte{0xBB}, 16)
	macKeyA := bytes.Repeat([]byte{0xCC}, 20)
	macKeyB := bytes.Repeat([]byte{0xDD}, 20)

	blockA, err := aes.NewCipher(keyA)
	require.NoError(t, err)
	blockB, err := aes.NewCipher(keyB)
	require.NoError(t, err)
	iv := bytes.Repeat([]byte{0}, aes.BlockSize)

	a = &ESPCodec{
		spiOut: 0x1111, spiIn: 0x2222,
		encOut: cipher.NewCBCEncrypter(blockA, iv), encIn: cipher.NewCBCDecrypter(blockB, iv),
		macOut: hmac.New(sha1.New, macKeyA), macIn: hmac.New(sha1.New, macKeyB),
		ivLen: aes.BlockSize, icvLen: sha1.Size,
	}
	b = &ESPCodec{
		spiOut: 0x2222, spiIn: 0x1111,
		encOut: cipher.NewCBCEncrypter(blockB, iv), encIn: cipher.NewCBCDecrypter(blockA, iv),
		macOut: hmac.New(sha1.New, macKeyB), macIn: hmac.New(sha1.New, macKeyA),
		ivLen: aes.BlockSize, icvLen: sha1.Size,
	}
	return a, b
}

// pipeRW adapts a plain io.Reader/io.Writer pair to net.Conn so the
// shuttle functions, which only call Read/Write/mutex-guarded Write on
// tcptCarrier.conn, can be driven by an in-memory io.Pipe in tests.
type pipeRW struct {
	r io.Reader
	w io.Writer
}

func (p *pipeRW) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeRW) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeRW) Close() error                { return nil }
func (p *pipeRW) LocalAddr() net.Addr         { return nil }
func (p *pipeRW) RemoteAddr() net.Addr        { return nil }
func (p *pipeRW) SetDeadline(t time.Time) error      { return nil }
func (p *pipeRW) SetReadDeadline(t time.Time) error   { return nil }
func (p *pipeRW) SetWriteDeadline(t time.Time) error  { return nil }

func TestTCPTShuttleRoundTripsPlaintext(t *testing.T) {
	codecSend, codecRecv := pairedCodecs(t)

	tunR, tunW := io.Pipe()   // feeds shuttleOut, as if the TUN device produced a packet
	wireR, wireW := io.Pipe() // carries the framed ESP bytes shuttleOut writes and shuttleIn reads
	outTunR, outTunW := io.Pipe()

	sender := &tcptCarrier{codec: codecSend, conn: &pipeRW{r: new(bytes.Buffer), w: wireW}, stop: make(chan struct{})}
	receiver := &tcptCarrier{codec: codecRecv, conn: &pipeRW{r: wireR, w: new(bytes.Buffer)}, stop: make(chan struct{})}

	go shuttleOut(sender, tunR, 1500)
	go shuttleIn(receiver, outTunW)

	payload := []byte("hello from the tunnel")
	go func() {
		_, _ = tunW.Write(payload)
	}()

	type readResult struct {
		n   int
		err error
	}
	done := make(chan readResult, 1)
	buf := make([]byte, 1500)
	go func() {
		n, err := outTunR.Read(buf)
		done <- readResult{n, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, payload, buf[:res.n])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shuttled payload")
	}
}
