package ike

import (
	"context"
	"time"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/ikecrypto"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// RekeyDecision reports what RunRekeyLoop decided to do on exit, so the
// controller can decide whether to keep the tunnel, demote to
// ReconnectDelay, or shut down cleanly (§4.4 rekey scheduling, §7
// "rekey failure demotes to ReconnectDelay, never tears down the
// tunnel still in use").
type RekeyDecision int

const (
	RekeyNone RekeyDecision = iota
	RekeyIKESucceeded
	RekeyESPSucceeded
	RekeyFailed
)

// RunRekeyLoop blocks until the earlier of the IKE or ESP SA's rekey
// deadline (90% of lifetime, §4.4) arrives or ctx is cancelled. On a
// deadline it attempts the corresponding rekey once; failure is
// reported, never retried from inside this loop — the controller
// decides whether to demote to ReconnectDelay (§7).
func RunRekeyLoop(ctx context.Context, s *IkeSession, rekeyIKE func(ctx context.Context) error, rekeyESP func(ctx context.Context) error) RekeyDecision {
	for {
		ikeAt := s.IKERekeyAt
		espAt := s.Phase2.RekeyAt
		deadline := ikeAt
		isIKE := true
		if espAt.Before(ikeAt) {
			deadline = espAt
			isIKE = false
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-ctx.Done():
			timer.Stop()
			return RekeyNone
		case <-timer.C:
		}

		if isIKE {
			if err := rekeyIKE(ctx); err != nil {
				return RekeyFailed
			}
			return RekeyIKESucceeded
		}
		if err := rekeyESP(ctx); err != nil {
			return RekeyFailed
		}
		return RekeyESPSucceeded
	}
}

// ScheduleIKERekey sets the session's IKE rekey deadline to 90% of the
// negotiated Phase-1 lifetime, measured from now.
func ScheduleIKERekey(s *IkeSession, now time.Time) {
	s.IKERekeyAt = now.Add(time.Duration(float64(s.Proposal.LifetimeS) * profile.IKERekeyFraction * float64(time.Second)))
}

// RekeyIKE runs a fresh Phase 1 in whichever mode the login requires
// (make-before-break: the old SA stays usable until the new one
// completes) and replaces the session's keying material and deadline
// in place.
func RekeyIKE(ctx context.Context, ex Exchanger, s *IkeSession, p *profile.ConnectionProfile, authMethod uint16, localIP, peerIP string, localPort, peerPort uint16, identity *ikecrypto.ClientIdentity, verifier *ikecrypto.PinnedVerifier) error {
	result, err := RunPhase1(ex, p, authMethod, localIP, peerIP, localPort, peerPort, identity, verifier)
	if err != nil {
		return ccerr.CryptoErr("ike_rekey_failed", "rekey Phase-1 SA", err)
	}
	s.InitiatorCky = result.InitiatorCky
	s.ResponderCky = result.ResponderCky
	s.Proposal = Proposal{
		DHGroup: result.Transform.DHGroup, EncAlg: result.Transform.Enc,
		HashAlg: result.Transform.Hash, KeyBits: result.Transform.KeyBits,
		LifetimeS: result.Transform.LifetimeS,
	}
	s.Skeyid = SkeyidFamily{Skeyid: result.Keys.Skeyid, D: result.Keys.D, A: result.Keys.A, E: result.Keys.E}
	ScheduleIKERekey(s, time.Now())
	return nil
}

// RekeyESP runs a fresh Quick-mode negotiation and replaces the
// session's Phase-2 SA pair in place.
func RekeyESP(ctx context.Context, ex Exchanger, s *IkeSession, p1 *Phase1Result, p *profile.ConnectionProfile, clientInnerIP, remoteSelector string, messageID uint32) error {
	sa, err := RunQuickMode(ex, p1, clientInnerIP, remoteSelector, messageID, uint32(p.ESPLifetime.Seconds()))
	if err != nil {
		return ccerr.CryptoErr("esp_rekey_failed", "rekey Phase-2 SA", err)
	}
	s.Phase2 = *sa
	return nil
}
