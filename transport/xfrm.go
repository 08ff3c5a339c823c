package transport

import (
	"context"
	"net"
	"strconv"

	"github.com/ccvpn-oss/ccvpn/applicator"
	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/profile"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// espNATTOverhead is the worst-case per-packet expansion ESP-in-UDP
// adds ahead of the inner IP packet: 8 bytes UDP NAT-T header, 8 bytes
// ESP SPI+seq, up to 16 bytes CBC IV, up to 16 bytes of padding, 2
// bytes pad-len/next-header, and a 12-byte truncated HMAC ICV.
const espNATTOverhead = 8 + 8 + 16 + 16 + 2 + 12

// xfrmCarrier is the kernel-offloaded ESP-in-NAT-T-UDP data plane
// (§4.5 "XFRM path"): the kernel does all packet crypto once the XFRM
// states/policies and the UDP-encap socket are programmed, so this
// carrier's job after setup is limited to keepalive and lease renewal.
type xfrmCarrier struct {
	a          applicator.Applicator
	sock       *net.UDPConn
	devName    string
	innerIP    string
	applied    *applicator.AppliedSet
	serverAddr string
}

func (c *xfrmCarrier) Type() profile.TransportType { return profile.TransportXFRM }
func (c *xfrmCarrier) InnerIP() string              { return c.innerIP }

func (c *xfrmCarrier) SendKeepalive() error {
	_, err := c.sock.Write([]byte{0xFF})
	if err != nil {
		return ccerr.Net("xfrm_keepalive_failed", "send NAT-T keepalive", err)
	}
	return nil
}

func (c *xfrmCarrier) RenewLease(ctx context.Context, newIP string) error {
	return renewLeaseRoutes(ctx, c.a, c.applied, c.innerIP, newIP, c.devName)
}

func (c *xfrmCarrier) Close(ctx context.Context) error {
	if c.sock != nil {
		c.sock.Close()
	}
	errs := c.applied.Unwind(ctx, c.a)
	if len(errs) > 0 {
		return ccerr.Transp("xfrm_close_errors", "errors tearing down XFRM carrier", errs[0])
	}
	return nil
}

// openXFRM programs the two unidirectional XFRM states/policies, binds
// a UDP socket with NAT-T encapsulation enabled, and brings up the
// virtual xfrm interface (§4.5).
func openXFRM(ctx context.Context, d Dialer, a applicator.Applicator) (Carrier, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.ServerAddr, strconv.Itoa(d.NATTPort)))
	if err != nil {
		return nil, ccerr.Net("xfrm_resolve_failed", "resolve NAT-T peer address", err)
	}
	sock, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, ccerr.Net("xfrm_dial_failed", "dial NAT-T UDP socket", err)
	}
	if err := enableNATTEncap(sock); err != nil {
		sock.Close()
		return nil, err
	}

	mtu := clampToPathMTU(sock, d.MTU)

	devName := "ccvpn-xfrm0"
	applied := applicator.NewAppliedSet()

	if err := a.CreateTUN(ctx, devName, d.InnerIP, mtu); err != nil {
		sock.Close()
		return nil, ccerr.Transp("xfrm_tun_failed", "create xfrm device", err)
	}
	applied.TrackDevice(devName)

	if err := a.CreateXFRM(ctx, devName, d.ServerAddr, d.SPIIn, d.SPIOut, d.XFRMKeys); err != nil {
		errs := applied.Unwind(ctx, a)
		sock.Close()
		return nil, ccerr.Transp("xfrm_program_failed", "program XFRM states/policies", firstErr(err, errs))
	}

	return &xfrmCarrier{a: a, sock: sock, devName: devName, innerIP: d.InnerIP, applied: applied, serverAddr: d.ServerAddr}, nil
}

// enableNATTEncap sets UDP_ENCAP=UDP_ENCAP_ESPINUDP and SO_NO_CHECK=1
// on the NAT-T socket (§4.5), required for the kernel to recognize and
// strip the UDP encapsulation before handing packets to XFRM.
func enableNATTEncap(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return ccerr.Transp("xfrm_syscallconn_failed", "get raw NAT-T socket", err)
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_UDP, unix.UDP_ENCAP, unix.UDP_ENCAP_ESPINUDP); err != nil {
			sockErr = err
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_NO_CHECK, 1)
	})
	if ctrlErr != nil {
		return ccerr.Transp("xfrm_sockopt_control_failed", "control NAT-T socket", ctrlErr)
	}
	if sockErr != nil {
		return ccerr.Transp("xfrm_sockopt_failed", "set NAT-T encapsulation socket options", sockErr)
	}
	return nil
}

// clampToPathMTU asks the kernel for the discovered path MTU on the
// NAT-T socket (Linux's IP_MTU, via golang.org/x/net/ipv4) and, if it
// is smaller than configured, lowers the TUN's MTU so outbound ESP
// packets don't get fragmented on the wire. A PathMTU query failure
// (nothing sent on the socket yet, or the platform doesn't support
// it) is not fatal — the configured MTU is used as-is.
func clampToPathMTU(sock *net.UDPConn, configured int) int {
	pmtu, err := ipv4.NewConn(sock).PathMTU()
	if err != nil || pmtu <= 0 {
		return configured
	}
	if budget := pmtu - espNATTOverhead; budget > 0 && budget < configured {
		return budget
	}
	return configured
}

func firstErr(primary error, secondary []error) error {
	if primary != nil {
		return primary
	}
	if len(secondary) > 0 {
		return secondary[0]
	}
	return nil
}
