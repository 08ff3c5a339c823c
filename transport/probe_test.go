package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/espwire"
)

func TestProbeNATTSucceedsAgainstEchoingServer(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	go func() {
		buf := make([]byte, 16)
		for {
			n, addr, err := server.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = server.WriteTo(buf[:n], addr)
		}
	}()

	host, port := splitHostPort(t, server.LocalAddr().String())
	d := Dialer{ServerAddr: host, NATTPort: port}
	err = probeNATT(context.Background(), d)
	require.NoError(t, err)
}

func TestProbeTCPTSucceedsAgainstEchoingServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tag, body, err := espwire.ReadFrame(conn)
		if err != nil {
			return
		}
		_ = espwire.WriteFrame(conn, tag, body)
	}()

	host, port := splitHostPort(t, ln.Addr().String())
	d := Dialer{ServerAddr: host, TCPTPort: port}
	err = probeTCPT(context.Background(), d)
	require.NoError(t, err)
}

func TestProbeTCPTFailsWhenNothingListening(t *testing.T) {
	d := Dialer{ServerAddr: "127.0.0.1", TCPTPort: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := probeTCPT(ctx, d)
	require.Error(t, err)
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
