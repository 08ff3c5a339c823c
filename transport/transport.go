// Package transport implements the carrier selector and the three data
// planes it can select (XFRM, TCPT, UDP-TUN) described in §4.5, plus
// the keepalive and IP-lease-renewal machinery shared across them.
package transport

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ccvpn-oss/ccvpn/applicator"
	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// Carrier is a running data plane: once established it shuttles IP
// packets between the TUN device and the wire until Close is called.
// Close must be idempotent (§3).
type Carrier interface {
	Type() profile.TransportType
	InnerIP() string
	SendKeepalive() error
	RenewLease(ctx context.Context, newIP string) error
	Close(ctx context.Context) error
}

// Shuttling is implemented by the two user-space carriers (TCPT,
// UDP-TUN), whose packet shuttle can't start inside open() because
// neither the TUN device's I/O handle nor the negotiated ESP codec is
// available yet (§4.5). The controller calls StartShuttle once it has
// both. XFRM's kernel offload has no use for this — the kernel starts
// shuttling packets the moment the XFRM states are programmed.
type Shuttling interface {
	StartShuttle(tun io.ReadWriteCloser, codec *ESPCodec, mtu int)
}

// Dialer is the IKE/Phase-2 collaborator each carrier needs to open
// its own socket against: an address and the already-negotiated key
// material. Kept narrow so transport doesn't import ike directly and
// create an import cycle — the controller wires the concrete values
// through at call time.
type Dialer struct {
	ServerAddr     string
	AdvertisedAddr string // NAT-T keepalive target, not necessarily ServerAddr (§4.5)
	TCPTPort       int
	NATTPort       int
	InnerIP        string
	Netmask        string
	MTU            int
	SPIIn, SPIOut  uint32
	XFRMKeys       applicator.XFRMKeys
	PortKnock      bool // §9: some deployments need the NAT-T port "knocked" before it answers
}

// candidate is one entry in the probing order.
type candidate struct {
	transport profile.TransportType
	probe     func(ctx context.Context, d Dialer) error
	open      func(ctx context.Context, d Dialer, a applicator.Applicator) (Carrier, error)
}

// SelectTransport tries candidates in order and returns the first one
// whose probe succeeds and whose open succeeds (§4.5: "First success
// wins"). The configured TransportType narrows the candidate list;
// Autodetect tries all three.
func SelectTransport(ctx context.Context, d Dialer, p *profile.ConnectionProfile, a applicator.Applicator) (Carrier, error) {
	candidates := candidatesFor(p.TransportType)
	if IsWSL2() {
		candidates = withoutXFRM(candidates)
	}

	if d.PortKnock {
		knockCtx, cancel := context.WithTimeout(ctx, profile.NATTProbeTimeout*time.Duration(profile.NATTProbeCount))
		portKnock(knockCtx, d)
		cancel()
	}

	var lastErr error
	for _, c := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, profile.NATTProbeTimeout*time.Duration(profile.NATTProbeCount))
		err := c.probe(probeCtx, d)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		carrier, err := c.open(ctx, d, a)
		if err != nil {
			lastErr = err
			continue
		}
		return carrier, nil
	}
	return nil, ccerr.Transp("no_transport_available", "no transport candidate succeeded", lastErr)
}

func candidatesFor(t profile.TransportType) []candidate {
	all := []candidate{
		{transport: profile.TransportXFRM, probe: probeNATT, open: openXFRM},
		{transport: profile.TransportTCPT, probe: probeTCPT, open: openTCPT},
		{transport: profile.TransportUDP, probe: probeNATT, open: openUDPTun},
	}
	if t == profile.TransportAutodetect {
		return all
	}
	var out []candidate
	for _, c := range all {
		if c.transport == t {
			out = append(out, c)
		}
	}
	return out
}

func withoutXFRM(cs []candidate) []candidate {
	var out []candidate
	for _, c := range cs {
		if c.transport != profile.TransportXFRM {
			out = append(out, c)
		}
	}
	return out
}

// IsWSL2 reports whether the process is running under WSL2, where XFRM
// interfaces are unusable (§4.5).
func IsWSL2() bool {
	if _, err := os.Stat("/proc/sys/fs/binfmt_misc/WSLInterop"); err == nil {
		return true
	}
	version, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	return strings.Contains(string(version), "WSL")
}
