package transport

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/ccvpn-oss/ccvpn/applicator"
	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/espwire"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// udpTunCarrier is the fallback user-space data plane (§4.5 "UDP-TUN
// path"): same ESP codec as TCPT, but packets ride bare UDP datagrams
// instead of length-prefixed TCPT frames, since UDP already preserves
// datagram boundaries. Used when neither XFRM nor TCPT is reachable.
type udpTunCarrier struct {
	a       applicator.Applicator
	conn    *net.UDPConn
	codec   *ESPCodec
	devName string
	innerIP string
	applied *applicator.AppliedSet
	mu      sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
}

func (c *udpTunCarrier) Type() profile.TransportType { return profile.TransportUDP }
func (c *udpTunCarrier) InnerIP() string              { return c.innerIP }

func (c *udpTunCarrier) SendKeepalive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write([]byte{0xFF}); err != nil {
		return ccerr.Net("udptun_keepalive_failed", "send UDP-TUN keepalive", err)
	}
	return nil
}

func (c *udpTunCarrier) RenewLease(ctx context.Context, newIP string) error {
	old := c.innerIP
	if err := renewLeaseRoutes(ctx, c.a, c.applied, old, newIP, c.devName); err != nil {
		return err
	}
	c.innerIP = newIP
	return nil
}

func (c *udpTunCarrier) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.conn.Close()
	errs := c.applied.Unwind(ctx, c.a)
	if len(errs) > 0 {
		return ccerr.Transp("udptun_close_errors", "errors tearing down UDP-TUN carrier", errs[0])
	}
	return nil
}

// openUDPTun dials the NAT-T UDP port and creates the TUN device. The
// shuttle goroutines start once the controller calls StartShuttle with
// the TUN handle and the negotiated Phase-2 codec, same as TCPT.
func openUDPTun(ctx context.Context, d Dialer, a applicator.Applicator) (Carrier, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.ServerAddr, strconv.Itoa(d.NATTPort)))
	if err != nil {
		return nil, ccerr.Net("udptun_resolve_failed", "resolve UDP-TUN peer address", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, ccerr.Net("udptun_dial_failed", "dial UDP-TUN socket", err)
	}

	mtu := clampToPathMTU(conn, d.MTU)

	devName := "ccvpn-tun1"
	applied := applicator.NewAppliedSet()
	if err := a.CreateTUN(ctx, devName, d.InnerIP, mtu); err != nil {
		conn.Close()
		return nil, ccerr.Transp("udptun_tun_failed", "create TUN device", err)
	}
	applied.TrackDevice(devName)

	return &udpTunCarrier{a: a, conn: conn, devName: devName, innerIP: d.InnerIP, applied: applied, stop: make(chan struct{})}, nil
}

// StartShuttle begins the bidirectional plaintext<->ESP-in-UDP shuttle;
// see tcptCarrier.StartShuttle for why this is deferred to the
// controller rather than started inside openUDPTun.
func (c *udpTunCarrier) StartShuttle(tun io.ReadWriteCloser, codec *ESPCodec, mtu int) {
	c.codec = codec
	go udpShuttleOut(c, tun, mtu)
	go udpShuttleIn(c, tun)
}

func udpShuttleOut(c *udpTunCarrier, tun io.Reader, mtu int) {
	buf := make([]byte, mtu+64)
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		n, err := tun.Read(buf)
		if err != nil {
			return
		}
		seq, err := c.codec.seq.Next()
		if err != nil {
			return
		}
		iv := make([]byte, c.codec.ivLen)
		padded := espwire.PadPlaintext(buf[:n], 0x04, c.codec.encOut.BlockSize())
		pkt, err := espwire.Seal(c.codec.spiOut, seq, iv, c.codec.encOut, c.codec.macOut, padded)
		if err != nil {
			return
		}
		c.mu.Lock()
		_, err = c.conn.Write(pkt.Marshal())
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func udpShuttleIn(c *udpTunCarrier, tun io.Writer) {
	buf := make([]byte, espwire.MaxFrameBody)
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		if n == 1 {
			continue // bare keepalive byte, not an ESP packet
		}
		pkt, err := espwire.Unmarshal(buf[:n], c.codec.ivLen, c.codec.icvLen)
		if err != nil {
			continue
		}
		padded, err := espwire.Open(pkt, c.codec.encIn, c.codec.macIn)
		if err != nil {
			continue
		}
		payload, _, err := espwire.UnpadPlaintext(padded)
		if err != nil {
			continue
		}
		if _, err := tun.Write(payload); err != nil {
			return
		}
	}
}
