package transport

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/applicator"
)

func TestOpenXFRMProgramsDeviceAndXFRMState(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()
	host, port := splitHostPort(t, server.LocalAddr().String())

	a := &applicator.Mock{}
	a.On("CreateTUN", mock.Anything, "ccvpn-xfrm0", "10.1.2.3", 1400).Return(nil)
	a.On("CreateXFRM", mock.Anything, "ccvpn-xfrm0", host, uint32(10), uint32(20), mock.Anything).Return(nil)

	d := Dialer{
		ServerAddr: host, NATTPort: port,
		InnerIP: "10.1.2.3", MTU: 1400,
		SPIIn: 10, SPIOut: 20,
	}
	carrier, err := openXFRM(context.Background(), d, a)
	require.NoError(t, err)
	require.Equal(t, "10.1.2.3", carrier.InnerIP())

	a.On("Destroy", mock.Anything, "ccvpn-xfrm0").Return(nil)
	require.NoError(t, carrier.Close(context.Background()))
	a.AssertExpectations(t)
}

func TestOpenXFRMUnwindsOnProgramFailure(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()
	host, port := splitHostPort(t, server.LocalAddr().String())

	a := &applicator.Mock{}
	a.On("CreateTUN", mock.Anything, "ccvpn-xfrm0", "10.1.2.3", 1400).Return(nil)
	a.On("CreateXFRM", mock.Anything, "ccvpn-xfrm0", host, uint32(10), uint32(20), mock.Anything).Return(errXFRMProgram)
	a.On("Destroy", mock.Anything, "ccvpn-xfrm0").Return(nil)

	d := Dialer{
		ServerAddr: host, NATTPort: port,
		InnerIP: "10.1.2.3", MTU: 1400,
		SPIIn: 10, SPIOut: 20,
	}
	_, err = openXFRM(context.Background(), d, a)
	require.Error(t, err)
	a.AssertCalled(t, "Destroy", mock.Anything, "ccvpn-xfrm0")
}

var errXFRMProgram = errXFRM{}

type errXFRM struct{}

func (errXFRM) Error() string { return "xfrm program failed" }
