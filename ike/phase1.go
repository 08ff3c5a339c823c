package ike

import (
	"crypto/rand"
	"fmt"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/ikecrypto"
	"github.com/ccvpn-oss/ccvpn/ikewire"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// Mode picks Main or Aggressive exchange per §4.4: "Aggressive for
// hybrid/XAuth profiles, Main for PSK/cert without XAuth. The choice
// is fixed by login type."
type Mode int

const (
	ModeMain Mode = iota
	ModeAggressive
)

// ModeForAuth returns the exchange mode the login type requires.
func ModeForAuth(usesXAuth bool) Mode {
	if usesXAuth {
		return ModeAggressive
	}
	return ModeMain
}

// Exchanger is the minimal request/response primitive the Phase-1/
// Phase-2 drivers need; the transport package supplies a concrete
// implementation bound to a UDP or TCPT socket. Exchanges are
// strictly request/response paired by message-id (§5).
type Exchanger interface {
	Send(msg *ikewire.Message) error
	Recv() (*ikewire.Message, error)
}

// Phase1Result is everything Phase 2 and MODE_CFG need out of a
// completed Phase-1 exchange.
type Phase1Result struct {
	InitiatorCky [8]byte
	ResponderCky [8]byte
	Transform    *SelectedTransform
	Keys         *ikecrypto.SkeyidMaterial
	PeerIDMismatch     bool // server's ID payload IP didn't match the connected peer; logged warn, not fatal (§4.4)
	PeerCertUnverified bool // no PinnedVerifier configured, so the peer's Cert chain wasn't checked against a trusted CA (the Sig itself was still verified)
}

// RunPhase1 picks Main or Aggressive mode per ModeForAuth and drives
// it (§4.4: "the choice is fixed by login type"). identity/verifier
// are only consulted on the Main-mode/cert path; Aggressive mode never
// touches them.
func RunPhase1(ex Exchanger, p *profile.ConnectionProfile, authMethod uint16, localIP, peerIP string, localPort, peerPort uint16, identity *ikecrypto.ClientIdentity, verifier *ikecrypto.PinnedVerifier) (*Phase1Result, error) {
	usesXAuth := p.Cert.Type == profile.CertNone
	if ModeForAuth(usesXAuth) == ModeAggressive {
		return RunAggressiveMode(ex, p, authMethod, localIP, peerIP, localPort, peerPort)
	}
	return RunMainMode(ex, p, authMethod, localIP, peerIP, localPort, peerPort, identity, verifier)
}

// RunMainMode drives a full Main-mode Phase-1 exchange: SA proposal,
// KE+Nonce, then ID+Cert+Sig authentication (§4.4). NAT-D payloads are
// always emitted. identity is the local certificate/key used to sign
// message 3's HASH_I; verifier checks the peer's Cert chain in message
// 4 against the CA pinned at profile-creation time. A nil verifier
// skips chain validation (PeerCertUnverified is set on the result) but
// the Sig payload is always checked, so the peer must still prove
// possession of the private key matching its presented certificate.
func RunMainMode(ex Exchanger, p *profile.ConnectionProfile, authMethod uint16, localIP, peerIP string, localPort, peerPort uint16, identity *ikecrypto.ClientIdentity, verifier *ikecrypto.PinnedVerifier) (*Phase1Result, error) {
	if identity == nil {
		return nil, ccerr.Config("phase1_no_identity", "Main-mode/certificate auth requires a loaded client identity", nil)
	}
	var ckyI [8]byte
	if err := randCookie(&ckyI); err != nil {
		return nil, ccerr.CryptoErr("cookie_gen_failed", "generate initiator cookie", err)
	}

	group := ikecrypto.ByID(ikewire.DHGroup14)
	kp, err := ikecrypto.GenerateKeyPair(group)
	if err != nil {
		return nil, ccerr.CryptoErr("dh_keygen_failed", "generate DH keypair", err)
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, ccerr.CryptoErr("nonce_gen_failed", "generate nonce", err)
	}

	saBody := BuildPhase1Proposal(authMethod, uint32(p.IKELifetime.Seconds()))
	msg1 := &ikewire.Message{
		Header: ikewire.Header{InitiatorCookie: ckyI, ExchangeType: ikewire.ExchangeIdentProtected, Version: 0x10},
		Payloads: []*ikewire.Payload{
			{Type: ikewire.PayloadSA, Body: saBody},
		},
	}
	if err := ex.Send(msg1); err != nil {
		return nil, ccerr.Net("phase1_sa_send_failed", "send Phase-1 SA proposal", err)
	}
	resp1, err := ex.Recv()
	if err != nil {
		return nil, ccerr.Net("phase1_sa_recv_failed", "receive Phase-1 SA response", err)
	}
	ckyR := resp1.Header.ResponderCookie

	saPayload := resp1.Get(ikewire.PayloadSA)
	if saPayload == nil {
		return nil, ccerr.Reply("phase1_missing_sa", "Phase-1 response missing SA payload", nil)
	}
	offered, err := parseOfferedProposals(saPayload.Body)
	if err != nil {
		return nil, ccerr.Reply("phase1_bad_sa", "parse offered SA", err)
	}
	selected, err := SelectPhase1Transform(offered)
	if err != nil {
		return nil, ccerr.CryptoErr("phase1_no_match", "select Phase-1 transform", err)
	}

	keBody := ikecrypto.FixedLenBytes(kp.Public, group.ByteLen())
	natDMine := ikewire.NATDHash(ckyI, ckyR, parseIPOrZero(localIP), localPort)
	natDPeer := ikewire.NATDHash(ckyI, ckyR, parseIPOrZero(peerIP), peerPort)

	msg2 := &ikewire.Message{
		Header: ikewire.Header{InitiatorCookie: ckyI, ResponderCookie: ckyR, ExchangeType: ikewire.ExchangeIdentProtected, Version: 0x10},
		Payloads: []*ikewire.Payload{
			{Type: ikewire.PayloadKE, Body: keBody},
			{Type: ikewire.PayloadNonce, Body: nonce},
			{Type: ikewire.PayloadNATD, Body: natDMine},
			{Type: ikewire.PayloadNATD, Body: natDPeer},
		},
	}
	if err := ex.Send(msg2); err != nil {
		return nil, ccerr.Net("phase1_ke_send_failed", "send Phase-1 KE/Nonce", err)
	}
	resp2, err := ex.Recv()
	if err != nil {
		return nil, ccerr.Net("phase1_ke_recv_failed", "receive Phase-1 KE/Nonce response", err)
	}

	kePayload := resp2.Get(ikewire.PayloadKE)
	noncePayload := resp2.Get(ikewire.PayloadNonce)
	if kePayload == nil || noncePayload == nil {
		return nil, ccerr.Reply("phase1_missing_ke", "Phase-1 response missing KE/Nonce payload", nil)
	}

	peerPublic := bytesToBigInt(kePayload.Body)
	shared := kp.SharedSecret(peerPublic)
	gxy := ikecrypto.FixedLenBytes(shared, group.ByteLen())

	var skeyid []byte
	if p.Cert.Type == profile.CertNone {
		skeyid, err = ikecrypto.DeriveSkeyidPSK(selected.Hash, []byte(p.Password), nonce, noncePayload.Body)
	} else {
		skeyid, err = ikecrypto.DeriveSkeyidCert(selected.Hash, nonce, noncePayload.Body, gxy)
	}
	if err != nil {
		return nil, ccerr.CryptoErr("skeyid_derive_failed", "derive SKEYID", err)
	}

	keys, err := ikecrypto.DeriveKeys(selected.Hash, skeyid, gxy, ckyI, ckyR)
	if err != nil {
		return nil, ccerr.CryptoErr("skeyid_expand_failed", "derive SKEYID_d/a/e", err)
	}

	idBody := buildClientIDBody(identity, p.UserName)
	hashI, err := authHash(selected.Hash, keys.Skeyid, keBody, kePayload.Body, ckyI, ckyR, saBody, idBody)
	if err != nil {
		return nil, ccerr.CryptoErr("phase1_hashi_failed", "compute HASH_I", err)
	}
	signOpts, err := cryptoHashFor(selected.Hash)
	if err != nil {
		return nil, ccerr.CryptoErr("phase1_hash_alg_unsupported", "select signature hash", err)
	}
	sigI, err := identity.PrivateKey.Sign(rand.Reader, hashI, signOpts)
	if err != nil {
		return nil, ccerr.CryptoErr("phase1_sign_failed", "sign HASH_I", err)
	}

	msg3 := &ikewire.Message{
		Header: ikewire.Header{InitiatorCookie: ckyI, ResponderCookie: ckyR, ExchangeType: ikewire.ExchangeIdentProtected, Version: 0x10},
		Payloads: append([]*ikewire.Payload{
			{Type: ikewire.PayloadID, Body: idBody},
		}, append(buildCertPayloads(identity), &ikewire.Payload{Type: ikewire.PayloadSig, Body: sigI})...),
	}
	if err := ex.Send(msg3); err != nil {
		return nil, ccerr.Net("phase1_id_send_failed", "send Phase-1 ID/Cert/Sig", err)
	}

	resp3, err := ex.Recv()
	if err != nil {
		return nil, ccerr.Net("phase1_id_recv_failed", "receive Phase-1 ID/Cert/Sig response", err)
	}
	peerIDPayload := resp3.Get(ikewire.PayloadID)
	peerSigPayload := resp3.Get(ikewire.PayloadSig)
	if peerIDPayload == nil || peerSigPayload == nil {
		return nil, ccerr.Reply("phase1_missing_id_sig", "Phase-1 response missing ID/Sig payload", nil)
	}
	peerLeaf, peerIntermediates, err := parsePeerCerts(resp3)
	if err != nil {
		return nil, ccerr.Reply("phase1_bad_cert", "parse peer certificate chain", err)
	}

	hashR, err := authHash(selected.Hash, keys.Skeyid, kePayload.Body, keBody, ckyR, ckyI, saBody, peerIDPayload.Body)
	if err != nil {
		return nil, ccerr.CryptoErr("phase1_hashr_failed", "compute HASH_R", err)
	}
	if err := verifySig(peerLeaf, selected.Hash, hashR, peerSigPayload.Body); err != nil {
		return nil, ccerr.Reply("phase1_sig_verify_failed", "verify peer HASH_R signature", err)
	}

	unverified := false
	if verifier != nil {
		if _, err := verifier.Verify(peerLeaf, peerIntermediates, peerIP); err != nil {
			return nil, ccerr.Reply("phase1_ca_verify_failed", "verify peer certificate chain against pinned CA", err)
		}
	} else {
		unverified = true
	}

	mismatch := checkPeerIDMismatch(resp3, peerIP)

	return &Phase1Result{
		InitiatorCky: ckyI, ResponderCky: ckyR,
		Transform: selected, Keys: keys, PeerIDMismatch: mismatch, PeerCertUnverified: unverified,
	}, nil
}

func checkPeerIDMismatch(msg *ikewire.Message, peerIP string) bool {
	idPayload := msg.Get(ikewire.PayloadID)
	if idPayload == nil || len(idPayload.Body) < 8 {
		return false
	}
	// ID payload: {id type, protocol, port, data...}; IPv4 data is the
	// last 4 bytes for IDIPv4Addr. A mismatch is logged, never fatal
	// (§4.4: "do not fail: log warn").
	declared := idPayload.Body[len(idPayload.Body)-4:]
	want := parseIPOrZero(peerIP).To4()
	if want == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if declared[i] != want[i] {
			return true
		}
	}
	return false
}

func parseOfferedProposals(body []byte) ([]ikewire.Proposal, error) {
	// The situation field (4 bytes) precedes the proposal list; this
	// mirrors the encode side in ikewire.MarshalSA.
	if len(body) < 4 {
		return nil, fmt.Errorf("ike: SA payload too short")
	}
	return ikewire.UnmarshalProposals(body[4:])
}
