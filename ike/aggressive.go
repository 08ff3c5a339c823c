package ike

import (
	"crypto/hmac"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/ikecrypto"
	"github.com/ccvpn-oss/ccvpn/ikewire"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// RunAggressiveMode drives a full Aggressive-mode Phase-1 exchange
// (§4.4): SA+KE+Nonce+ID combined into message 1, the responder's
// SA+KE+Nonce+ID+HASH_R in message 2, and a bare HASH_I in message 3.
// This is the exchange XAuth/hybrid profiles use — RunPhase1 selects it
// via ModeForAuth whenever the login has no client certificate.
func RunAggressiveMode(ex Exchanger, p *profile.ConnectionProfile, authMethod uint16, localIP, peerIP string, localPort, peerPort uint16) (*Phase1Result, error) {
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
	keBody := ikecrypto.FixedLenBytes(kp.Public, group.ByteLen())
	idBody := ikewire.MarshalID(ikewire.IDKeyID, 0, 0, []byte(p.UserName))

	msg1 := &ikewire.Message{
		Header: ikewire.Header{InitiatorCookie: ckyI, ExchangeType: ikewire.ExchangeAggressive, Version: 0x10},
		Payloads: []*ikewire.Payload{
			{Type: ikewire.PayloadSA, Body: saBody},
			{Type: ikewire.PayloadKE, Body: keBody},
			{Type: ikewire.PayloadNonce, Body: nonce},
			{Type: ikewire.PayloadID, Body: idBody},
		},
	}
	if err := ex.Send(msg1); err != nil {
		return nil, ccerr.Net("phase1_agg_msg1_send_failed", "send Aggressive Mode message 1", err)
	}

	resp1, err := ex.Recv()
	if err != nil {
		return nil, ccerr.Net("phase1_agg_msg2_recv_failed", "receive Aggressive Mode message 2", err)
	}
	ckyR := resp1.Header.ResponderCookie

	saPayload := resp1.Get(ikewire.PayloadSA)
	kePayload := resp1.Get(ikewire.PayloadKE)
	noncePayload := resp1.Get(ikewire.PayloadNonce)
	idPayload := resp1.Get(ikewire.PayloadID)
	hashPayload := resp1.Get(ikewire.PayloadHash)
	if saPayload == nil || kePayload == nil || noncePayload == nil || idPayload == nil || hashPayload == nil {
		return nil, ccerr.Reply("phase1_agg_missing_payload", "Aggressive Mode response missing SA/KE/Nonce/ID/HASH", nil)
	}

	offered, err := parseOfferedProposals(saPayload.Body)
	if err != nil {
		return nil, ccerr.Reply("phase1_agg_bad_sa", "parse offered SA", err)
	}
	selected, err := SelectPhase1Transform(offered)
	if err != nil {
		return nil, ccerr.CryptoErr("phase1_agg_no_match", "select Phase-1 transform", err)
	}

	peerPublic := bytesToBigInt(kePayload.Body)
	shared := kp.SharedSecret(peerPublic)
	gxy := ikecrypto.FixedLenBytes(shared, group.ByteLen())
	nr := noncePayload.Body

	skeyid, err := ikecrypto.DeriveSkeyidPSK(selected.Hash, []byte(p.Password), nonce, nr)
	if err != nil {
		return nil, ccerr.CryptoErr("phase1_agg_skeyid_failed", "derive SKEYID", err)
	}
	keys, err := ikecrypto.DeriveKeys(selected.Hash, skeyid, gxy, ckyI, ckyR)
	if err != nil {
		return nil, ccerr.CryptoErr("phase1_agg_expand_failed", "derive SKEYID_d/a/e", err)
	}

	expectHashR, err := authHash(selected.Hash, keys.Skeyid, kePayload.Body, keBody, ckyR, ckyI, saBody, idPayload.Body)
	if err != nil {
		return nil, ccerr.CryptoErr("phase1_agg_hashr_failed", "compute HASH_R", err)
	}
	if !hmac.Equal(hashPayload.Body, expectHashR) {
		return nil, ccerr.Reply("phase1_agg_hashr_mismatch", "Aggressive Mode HASH_R verification failed", nil)
	}

	hashI, err := authHash(selected.Hash, keys.Skeyid, keBody, kePayload.Body, ckyI, ckyR, saBody, idBody)
	if err != nil {
		return nil, ccerr.CryptoErr("phase1_agg_hashi_failed", "compute HASH_I", err)
	}
	msg3 := &ikewire.Message{
		Header: ikewire.Header{InitiatorCookie: ckyI, ResponderCookie: ckyR, ExchangeType: ikewire.ExchangeAggressive, Version: 0x10},
		Payloads: []*ikewire.Payload{{Type: ikewire.PayloadHash, Body: hashI}},
	}
	if err := ex.Send(msg3); err != nil {
		return nil, ccerr.Net("phase1_agg_msg3_send_failed", "send Aggressive Mode message 3", err)
	}

	mismatch := checkPeerIDMismatch(resp1, peerIP)

	return &Phase1Result{
		InitiatorCky: ckyI, ResponderCky: ckyR,
		Transform: selected, Keys: keys, PeerIDMismatch: mismatch,
	}, nil
}
