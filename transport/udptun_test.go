package transport

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/applicator"
)

func TestOpenUDPTunCreatesDeviceAndDials(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()
	host, port := splitHostPort(t, server.LocalAddr().String())

	a := &applicator.Mock{}
	a.On("CreateTUN", mock.Anything, "ccvpn-tun1", "10.1.2.3", 1400).Return(nil)

	d := Dialer{ServerAddr: host, NATTPort: port, InnerIP: "10.1.2.3", MTU: 1400}
	carrier, err := openUDPTun(context.Background(), d, a)
	require.NoError(t, err)
	require.Equal(t, "10.1.2.3", carrier.InnerIP())

	a.On("Destroy", mock.Anything, "ccvpn-tun1").Return(nil)
	require.NoError(t, carrier.Close(context.Background()))
	a.AssertExpectations(t)
}

func TestUDPTunSendKeepaliveWritesSingleByte(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()
	host, port := splitHostPort(t, server.LocalAddr().String())

	a := &applicator.Mock{}
	a.On("CreateTUN", mock.Anything, "ccvpn-tun1", "10.1.2.3", 1400).Return(nil)

	d := Dialer{ServerAddr: host, NATTPort: port, InnerIP: "10.1.2.3", MTU: 1400}
	c, err := openUDPTun(context.Background(), d, a)
	require.NoError(t, err)

	require.NoError(t, c.SendKeepalive())

	buf := make([]byte, 8)
	n, _, err := server.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF}, buf[:n])

	a.On("Destroy", mock.Anything, "ccvpn-tun1").Return(nil)
	require.NoError(t, c.Close(context.Background()))
}
