package ssltunnel

import (
	"bufio"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/transport"
)

// newLoopback returns a connected net.Conn pair; writeFrame/readFrame
// only need Write/Read/Close, which net.Pipe's halves provide without
// a real TLS handshake.
func newLoopback(t *testing.T) (net.Conn, net.Conn) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestWriteFrameThenReadFrameRoundTrips(t *testing.T) {
	client, server := newLoopback(t)
	tun := &Tunnel{w: bufio.NewWriter(client), stop: make(chan struct{})}

	payload := []byte("an IP packet's worth of bytes")
	done := make(chan error, 1)
	go func() { done <- writeFrame(tun, payload) }()

	got, err := readFrame(server)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, payload, got)
}

// shortBodyReader advertises a 4096-byte frame but only ever supplies
// the 2-byte length header, forcing readFrame's io.ReadFull on the
// body to fail with io.ErrUnexpectedEOF/io.EOF.
type shortBodyReader struct {
	sentHeader bool
}

func (s *shortBodyReader) Read(p []byte) (int, error) {
	if !s.sentHeader {
		s.sentHeader = true
		p[0], p[1] = 0x10, 0x00 // length 4096
		return 2, nil
	}
	return 0, io.EOF
}

func TestReadFrameFailsOnTruncatedBody(t *testing.T) {
	_, err := readFrame(&shortBodyReader{})
	require.Error(t, err)
}

func TestSendKeepaliveWritesEmptyFrame(t *testing.T) {
	client, server := newLoopback(t)
	tun := &Tunnel{w: bufio.NewWriter(client), stop: make(chan struct{}), keepalive: transport.NewSSLKeepaliveCounter(3)}

	done := make(chan error, 1)
	go func() { done <- tun.SendKeepalive() }()

	body, err := readFrame(server)
	require.NoError(t, err)
	require.Empty(t, body)
	require.NoError(t, <-done)
}

func TestSendKeepaliveReportsDeadAfterToleranceExhausted(t *testing.T) {
	client, _ := newLoopback(t)
	client.Close() // every subsequent write fails

	tun := &Tunnel{w: bufio.NewWriter(client), stop: make(chan struct{}), keepalive: transport.NewSSLKeepaliveCounter(1)}

	err := tun.SendKeepalive()
	require.Error(t, err)
}
