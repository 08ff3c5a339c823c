package transport

import (
	"context"
	"crypto/cipher"
	"hash"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/ccvpn-oss/ccvpn/applicator"
	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/espwire"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// ESPCodec bundles the per-direction cipher/MAC state a user-space
// carrier needs to Seal/Open ESP packets; built by the controller from
// the negotiated Phase-2 SA via NewESPCodec (ikecrypto never appears
// in this package — the controller derives the cipher.BlockMode/
// hash.Hash values and hands them across this one narrow seam).
type ESPCodec struct {
	spiOut, spiIn uint32
	encOut, encIn cipher.BlockMode
	macOut, macIn hash.Hash
	ivLen, icvLen int
	seq           espwire.SeqCounter
}

// NewESPCodec builds a codec handle from the negotiated SPI pair,
// per-direction cipher/MAC primitives, and the IV/ICV sizes those
// primitives imply.
func NewESPCodec(spiOut, spiIn uint32, encOut, encIn cipher.BlockMode, macOut, macIn hash.Hash, ivLen, icvLen int) *ESPCodec {
	return &ESPCodec{spiOut: spiOut, spiIn: spiIn, encOut: encOut, encIn: encIn, macOut: macOut, macIn: macIn, ivLen: ivLen, icvLen: icvLen}
}

// tcptCarrier shuttles plaintext IP packets between a TUN device and
// ESP-in-TCPT framed traffic, doing ESP crypto in user space (§4.5
// "TCPT path").
type tcptCarrier struct {
	a        applicator.Applicator
	conn     net.Conn
	codec    *ESPCodec
	devName  string
	innerIP  string
	applied  *applicator.AppliedSet
	mu       sync.Mutex // serializes writes to conn (§5 single-writer discipline)
	stopOnce sync.Once
	stop     chan struct{}
}

func (c *tcptCarrier) Type() profile.TransportType { return profile.TransportTCPT }
func (c *tcptCarrier) InnerIP() string              { return c.innerIP }

func (c *tcptCarrier) SendKeepalive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return espwire.WriteFrame(c.conn, espwire.FrameESP, []byte{0xFF})
}

func (c *tcptCarrier) RenewLease(ctx context.Context, newIP string) error {
	old := c.innerIP
	if err := renewLeaseRoutes(ctx, c.a, c.applied, old, newIP, c.devName); err != nil {
		return err
	}
	c.innerIP = newIP
	return nil
}

func (c *tcptCarrier) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.conn.Close()
	errs := c.applied.Unwind(ctx, c.a)
	if len(errs) > 0 {
		return ccerr.Transp("tcpt_close_errors", "errors tearing down TCPT carrier", errs[0])
	}
	return nil
}

// openTCPT dials the TCPT port and creates the TUN device. The shuttle
// goroutines start later, when the controller calls StartShuttle.
func openTCPT(ctx context.Context, d Dialer, a applicator.Applicator) (Carrier, error) {
	addr := net.JoinHostPort(d.ServerAddr, strconv.Itoa(d.TCPTPort))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ccerr.Net("tcpt_dial_failed", "dial TCPT carrier socket", err)
	}

	devName := "ccvpn-tun0"
	applied := applicator.NewAppliedSet()
	if err := a.CreateTUN(ctx, devName, d.InnerIP, d.MTU); err != nil {
		conn.Close()
		return nil, ccerr.Transp("tcpt_tun_failed", "create TUN device", err)
	}
	applied.TrackDevice(devName)

	c := &tcptCarrier{a: a, conn: conn, devName: devName, innerIP: d.InnerIP, applied: applied, stop: make(chan struct{})}
	return c, nil
}

// StartShuttle begins the bidirectional plaintext<->ESP-in-TCPT packet
// shuttle. It is called once by the controller after carrier selection,
// once the TUN device's file handle and the negotiated Phase-2 ESP
// codec are both available — neither is known at carrier-open time,
// since the Applicator boundary (§6) only programs the device, it
// doesn't hand back an I/O handle, and the codec comes from the IKE
// layer's Quick Mode result.
func (c *tcptCarrier) StartShuttle(tun io.ReadWriteCloser, codec *ESPCodec, mtu int) {
	c.codec = codec
	go shuttleOut(c, tun, mtu)
	go shuttleIn(c, tun)
}

// shuttleOut reads plaintext IP packets from tun and writes them as
// sealed ESP-in-TCPT frames; shuttleIn does the reverse. Both loops
// exit when either hits an unrecoverable I/O error or the carrier's
// stop channel closes.
func shuttleOut(c *tcptCarrier, tun io.Reader, mtu int) {
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
			return // sequence wrapped; caller must trigger a rekey (§3)
		}
		iv := make([]byte, c.codec.ivLen)
		padded := espwire.PadPlaintext(buf[:n], 0x04, c.codec.encOut.BlockSize())
		pkt, err := espwire.Seal(c.codec.spiOut, seq, iv, c.codec.encOut, c.codec.macOut, padded)
		if err != nil {
			return
		}
		c.mu.Lock()
		err = espwire.WriteFrame(c.conn, espwire.FrameESP, pkt.Marshal())
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func shuttleIn(c *tcptCarrier, tun io.Writer) {
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		tag, body, err := espwire.ReadFrame(c.conn)
		if err != nil {
			return
		}
		if tag != espwire.FrameESP {
			continue
		}
		pkt, err := espwire.Unmarshal(body, c.codec.ivLen, c.codec.icvLen)
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
