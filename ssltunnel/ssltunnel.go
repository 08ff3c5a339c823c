// Package ssltunnel implements the SSL-tunnel alternative transport
// (C6, spec §4.6): a TLS-framed L2 tunnel over a TUN device, used in
// place of the whole IKE+ESP stack (C4/C5) when tunnel-type=ssl.
package ssltunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/ccvpn-oss/ccvpn/applicator"
	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/gateway"
	"github.com/ccvpn-oss/ccvpn/profile"
	"github.com/ccvpn-oss/ccvpn/transport"
)

// keepaliveTolerance is how many consecutive missed keepalive sends a
// Tunnel absorbs before reporting itself dead, mirroring the counter
// §4.5/§4.6 calls out as a historic underflow-crash source.
const keepaliveTolerance = 3

const lenPrefix = 2 // §4.6: "each frame carries {2-byte length, IP packet}"

// maxFrameBody bounds a frame body against a corrupt/malicious length
// prefix causing an unbounded read, same concern espwire.MaxFrameBody
// guards against for TCPT.
const maxFrameBody = 1 << 16

// Tunnel is a running SSL-tunnel data plane: TLS stream on one side,
// TUN device on the other.
type Tunnel struct {
	gw            *gateway.Client
	a             applicator.Applicator
	conn          *tls.Conn
	w             *bufio.Writer
	sessionCookie string

	devName string
	innerIP string
	applied *applicator.AppliedSet

	mu       sync.Mutex // serializes writes to w (§5 single-writer discipline)
	stopOnce sync.Once
	stop     chan struct{}

	keepalive *transport.SSLKeepaliveCounter
}

// Dialer is the subset of gateway/CCC connection parameters a Dial
// call needs, mirroring transport.Dialer's narrow-collaborator shape.
type Dialer struct {
	ServerAddr       string
	Port             int
	ServerName       string // TLS SNI / cert validation name, usually == ServerAddr host
	SessionCookie    string
	MTU              int
	IgnoreServerCert bool
}

// Dial opens the TLS connection, posts the tunnel-establish record,
// and creates the TUN device, returning a Tunnel ready for
// StartShuttle — the same open/start split transport's carriers use,
// for the same reason: the TUN I/O handle isn't known until the
// controller has one to hand in.
func Dial(ctx context.Context, d Dialer, gw *gateway.Client, a applicator.Applicator) (*Tunnel, error) {
	port := d.Port
	if port == 0 {
		port = 443
	}
	tlsConf := &tls.Config{ServerName: d.ServerName, InsecureSkipVerify: d.IgnoreServerCert}

	dialer := &tls.Dialer{Config: tlsConf}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(d.ServerAddr, strconv.Itoa(port)))
	if err != nil {
		return nil, ccerr.Net("ssltunnel_dial_failed", "dial SSL tunnel TLS connection", err)
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return nil, ccerr.Net("ssltunnel_bad_conn_type", "TLS dialer returned a non-TLS connection", nil)
	}

	assignment, err := gw.EstablishSSLTunnel(ctx, d.SessionCookie)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	if assignment.InnerIP == "" {
		tlsConn.Close()
		return nil, ccerr.Reply("ssltunnel_no_inner_ip", "tunnel-establish reply carried no inner IP", nil)
	}

	mtu := assignment.MTU
	if mtu == 0 {
		mtu = d.MTU
	}
	if mtu == 0 {
		mtu = profile.DefaultMTU
	}

	devName := "ccvpn-ssl0"
	applied := applicator.NewAppliedSet()
	if err := a.CreateTUN(ctx, devName, assignment.InnerIP, mtu); err != nil {
		tlsConn.Close()
		return nil, ccerr.Transp("ssltunnel_tun_failed", "create TUN device for SSL tunnel", err)
	}
	applied.TrackDevice(devName)

	return &Tunnel{
		gw:            gw,
		a:             a,
		conn:          tlsConn,
		w:             bufio.NewWriter(tlsConn),
		sessionCookie: d.SessionCookie,
		devName:       devName,
		innerIP:       assignment.InnerIP,
		applied:       applied,
		stop:          make(chan struct{}),
		keepalive:     transport.NewSSLKeepaliveCounter(keepaliveTolerance),
	}, nil
}

// InnerIP returns the inner IP assigned by the tunnel-establish reply.
func (t *Tunnel) InnerIP() string { return t.innerIP }

// SendKeepalive writes a single keepalive frame (an empty-body frame,
// distinguishable from any real IP packet since those always carry at
// least an IP header). On write failure it decrements the tolerance
// counter rather than failing outright, and reports dead once
// exhausted — the counter saturates at zero instead of underflowing
// (§4.5's "historic crash").
func (t *Tunnel) SendKeepalive() error {
	if err := writeFrame(t, nil); err != nil {
		t.keepalive.Decrement()
		if t.keepalive.Exhausted() {
			return ccerr.Transp("ssltunnel_keepalive_dead", "SSL tunnel keepalive exhausted", err)
		}
		return nil
	}
	return nil
}

// StartShuttle begins the bidirectional plaintext-IP<->framed-TLS
// shuttle once the controller has a TUN I/O handle ready.
func (t *Tunnel) StartShuttle(tun io.ReadWriteCloser, mtu int) {
	go shuttleOut(t, tun, mtu)
	go shuttleIn(t, tun)
}

// Close sends the tunnel-close CCC record, fully drains any buffered
// TLS writes, then closes the stream and tears down the TUN device.
// Prior versions of this kind of carrier closed without flushing
// first, dropping whatever was still in the write buffer (§4.6); the
// explicit Flush call below is the fix.
func (t *Tunnel) Close(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stop) })

	var errs []error
	if err := t.gw.CloseSSLTunnel(ctx, t.sessionCookie); err != nil {
		errs = append(errs, err)
	}

	t.mu.Lock()
	flushErr := t.w.Flush()
	t.mu.Unlock()
	if flushErr != nil {
		errs = append(errs, flushErr)
	}

	if err := t.conn.Close(); err != nil {
		errs = append(errs, err)
	}

	applyErrs := t.applied.Unwind(ctx, t.a)
	_ = applyErrs // teardown errors are logged and swallowed (§5), never surfacing over the originating error

	if len(errs) > 0 {
		return ccerr.Transp("ssltunnel_close_errors", "errors tearing down SSL tunnel", errs[0])
	}
	return nil
}

func shuttleOut(t *Tunnel, tun io.Reader, mtu int) {
	buf := make([]byte, mtu+64)
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		n, err := tun.Read(buf)
		if err != nil {
			return
		}
		if err := writeFrame(t, buf[:n]); err != nil {
			return
		}
	}
}

func shuttleIn(t *Tunnel, tun io.Writer) {
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		body, err := readFrame(t.conn)
		if err != nil {
			return
		}
		if _, err := tun.Write(body); err != nil {
			return
		}
	}
}

// writeFrame writes one {2-byte length, IP packet} frame, flushing
// immediately so each IP packet reaches the wire promptly rather than
// waiting in bufio's internal buffer for the next write.
func writeFrame(t *Tunnel, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var hdr [lenPrefix]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := t.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := t.w.Write(payload); err != nil {
		return err
	}
	return t.w.Flush()
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [lenPrefix]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if int(n) > maxFrameBody {
		return nil, fmt.Errorf("ssltunnel: frame length %d exceeds maximum %d", n, maxFrameBody)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
