// Package ike implements the IKEv1 state machine (C4): Phase 1
// (Main/Aggressive), XAuth, MODE_CFG, Phase 2 (Quick mode), rekey, and
// delete, built on the ikewire codec and the ikecrypto kit.
package ike

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ccvpn-oss/ccvpn/ikecrypto"
)

// Proposal is the negotiated Phase-1 transform, recorded on the
// session for rekey and for persistence (§3 IkeSession).
type Proposal struct {
	DHGroup    uint16
	EncAlg     ikecrypto.EncAlg
	HashAlg    ikecrypto.HashAlg
	KeyBits    int
	LifetimeS  uint32
}

// SkeyidFamily is the derived Phase-1 key material (§3 "SKEYID
// family").
type SkeyidFamily struct {
	Skeyid  []byte
	D       []byte
	A       []byte
	E       []byte
}

// SPI2 is one direction's Phase-2 SA state.
type SPI2 struct {
	SPI       uint32
	EncKey    []byte
	AuthKey   []byte
	Seq       uint32 // next sequence number to use/expect
}

// Phase2SA is one Quick-mode negotiation's result: two unidirectional
// SAs plus their shared metadata.
type Phase2SA struct {
	In, Out    SPI2
	EncAlg     ikecrypto.EncAlg
	HashAlg    ikecrypto.HashAlg
	Lifetime   uint32
	NegotiatedAt time.Time
	RekeyAt    time.Time
}

// ModeCfgAssignment is the MODE_CFG result (§3, §4.4).
type ModeCfgAssignment struct {
	InnerIP         string
	Netmask         string
	MTU             int
	DNSServers      []string
	SearchDomains   []string
	RoutingDomains  []string
	OfferedRoutes   []string
	LeaseTime       time.Duration
	Banner          string
}

// IkeSession is the full persistable session record (§3). It is
// mutated only by the owning IKE task; other tasks observe it via
// Snapshot (§9 "all other tasks observe it through immutable
// snapshots taken at transition boundaries").
type IkeSession struct {
	ID             string
	InitiatorCky   [8]byte
	ResponderCky   [8]byte
	Proposal       Proposal
	Skeyid         SkeyidFamily
	Phase2         Phase2SA
	ModeCfg        ModeCfgAssignment
	CreatedAt      time.Time
	IKERekeyAt     time.Time
	PeerAddr       string
	LocalAddr      string
	NATDetectedLocal bool
	NATDetectedPeer  bool
	TCPTPort       int // from LoginOptions at initial connect; needed to re-dial transport on a no-auth resume, which skips CCC discovery entirely
	NATTPort       int
	InternalCAFingerprint [32]byte // from LoginOptions at initial connect; lets an IKE rekey rebuild the PinnedVerifier without a CCC round trip
}

// NewSessionID returns a sortable session identifier, grounded in
// nasnet-panel's use of ulid for resource ids.
func NewSessionID() string {
	return ulid.Make().String()
}

// Snapshot is a read-only copy of the fields other components need
// (transport selection, controller status reporting) without handing
// out the live, mutable session.
type Snapshot struct {
	ID         string
	InnerIP    string
	PeerAddr   string
	Transport  string
	ConnectedAt time.Time
	IKERekeyAt  time.Time
	ESPRekeyAt  time.Time
}

// Snapshot copies the fields observers need.
func (s *IkeSession) Snapshot() Snapshot {
	return Snapshot{
		ID:          s.ID,
		InnerIP:     s.ModeCfg.InnerIP,
		PeerAddr:    s.PeerAddr,
		ConnectedAt: s.CreatedAt,
		IKERekeyAt:  s.IKERekeyAt,
		ESPRekeyAt:  s.Phase2.RekeyAt,
	}
}

// IsStale reports whether a persisted session's rekey deadlines have
// already passed wall time by more than a grace window — the
// "persisted-session staleness check" supplemented feature: attempting
// to resume a session whose IKE/ESP SAs have certainly expired is a
// doomed reconnect, so the caller should delete it instead of trying.
func (s *IkeSession) IsStale(now time.Time) bool {
	if s.IKERekeyAt.IsZero() {
		return false
	}
	grace := 30 * time.Second
	return now.After(s.IKERekeyAt.Add(grace)) || now.After(s.Phase2.RekeyAt.Add(grace))
}
