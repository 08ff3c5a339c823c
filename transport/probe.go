package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/espwire"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// probeNATT sends up to NATTProbeCount tagged UDP probes to the NAT-T
// port and waits for a matching reply, used to decide whether XFRM/
// UDP-TUN is reachable before committing to it (§4.5).
func probeNATT(ctx context.Context, d Dialer) error {
	addr := net.JoinHostPort(d.ServerAddr, strconv.Itoa(d.NATTPort))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return ccerr.Net("natt_probe_dial_failed", "dial NAT-T probe socket", err)
	}
	defer conn.Close()
	return runProbe(ctx, conn)
}

// probeTCPT opens a TCP connection to the TCPT port and sends a tagged
// probe frame, expecting a matching reply before the path is
// considered viable.
func probeTCPT(ctx context.Context, d Dialer) error {
	addr := net.JoinHostPort(d.ServerAddr, strconv.Itoa(d.TCPTPort))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ccerr.Net("tcpt_probe_dial_failed", "dial TCPT probe socket", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(profile.NATTProbeTimeout)); err != nil {
		return ccerr.Net("tcpt_probe_deadline_failed", "set TCPT probe deadline", err)
	}
	if err := espwire.WriteFrame(conn, espwire.FrameProbe, []byte("probe")); err != nil {
		return ccerr.Net("tcpt_probe_write_failed", "write TCPT probe frame", err)
	}
	tag, _, err := espwire.ReadFrame(conn)
	if err != nil {
		return ccerr.Net("tcpt_probe_read_failed", "read TCPT probe reply", err)
	}
	if tag != espwire.FrameProbe {
		return ccerr.Reply("tcpt_probe_bad_reply", "TCPT probe reply carried an unexpected tag", nil)
	}
	return nil
}

// portKnock sends NATTProbeCount unsolicited UDP datagrams to the
// NAT-T port ahead of the real probe. §9 leaves the exact pattern some
// deployments need undocumented beyond "unblocks NAT-T on 4500"; this
// preserves that observable effect — open the path, don't wait for or
// interpret a reply — without hardcoding a specific packet count
// separate from the already-configurable probe count.
func portKnock(ctx context.Context, d Dialer) {
	addr := net.JoinHostPort(d.ServerAddr, strconv.Itoa(d.NATTPort))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return
	}
	defer conn.Close()

	for i := 0; i < profile.NATTProbeCount; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := conn.Write([]byte{0xFF}); err != nil {
			return
		}
	}
}

func runProbe(ctx context.Context, conn net.Conn) error {
	var lastErr error
	for i := 0; i < profile.NATTProbeCount; i++ {
		if err := conn.SetDeadline(time.Now().Add(profile.NATTProbeTimeout)); err != nil {
			return ccerr.Net("natt_probe_deadline_failed", "set NAT-T probe deadline", err)
		}
		if _, err := conn.Write([]byte{0xFF}); err != nil {
			lastErr = err
			continue
		}
		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		if err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				continue
			}
		}
		if n > 0 {
			return nil
		}
	}
	return ccerr.Net("natt_probe_no_reply", "no NAT-T probe reply received", lastErr)
}

