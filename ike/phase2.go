package ike

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/ikecrypto"
	"github.com/ccvpn-oss/ccvpn/ikewire"
)

// espTransformID maps an ikecrypto.EncAlg to the Phase-2 ESP transform
// id RFC 2407 assigns it; these are a different table from the
// Phase-1 IKE transform ids in ikewire.EncAES/Enc3DES.
func espTransformID(alg ikecrypto.EncAlg) uint8 {
	if alg == ikecrypto.Enc3DES {
		return ikewire.ESPTransform3DES
	}
	return ikewire.ESPTransformAES
}

func authAlgID(alg ikecrypto.HashAlg) uint16 {
	switch alg {
	case ikecrypto.HashMD5:
		return ikewire.AuthAlgHMACMD5
	case ikecrypto.HashSHA256, ikecrypto.HashSHA384, ikecrypto.HashSHA512:
		return ikewire.AuthAlgHMACSHA256
	default:
		return ikewire.AuthAlgHMACSHA1
	}
}

func randSPI() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// RunQuickMode negotiates one Quick-mode SA pair: two unidirectional
// ESP SAs bound to the selectors (client's inner IP /32 on one side,
// the configured remote subnet or 0.0.0.0/0 on the other) (§4.4).
// requestedLifetimeSeconds is the client's requested ESP SA lifetime
// (profile.ConnectionProfile.ESPLifetime); the gateway's response
// carries the value actually in force, parsed back out below.
//
// HASH(1)/(2)/(3) are authentication hashes keyed with SKEYID_a
// (p1.Keys.A) per RFC 2409 §5.5; KEYMAT is derived separately from
// SKEYID_d (p1.Keys.D). Passing the wrong derivative to either breaks
// interop with a gateway that checks HASH(2) before installing its SA.
func RunQuickMode(ex Exchanger, p1 *Phase1Result, clientInnerIP string, remoteSelector string, messageID uint32, requestedLifetimeSeconds uint32) (*Phase2SA, error) {
	skeyidA := p1.Keys.A
	skeyidD := p1.Keys.D
	spiOut, err := randSPI()
	if err != nil {
		return nil, ccerr.CryptoErr("spi_gen_failed", "generate outbound SPI", err)
	}
	ni, err := GenerateNonce()
	if err != nil {
		return nil, ccerr.CryptoErr("nonce_gen_failed", "generate Quick Mode nonce", err)
	}

	hashAlg := p1.Transform.Hash
	encAlg := p1.Transform.Enc
	keyBits := p1.Transform.KeyBits

	spiBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(spiBytes, spiOut)
	saBody := buildQuickModeSA(encAlg, hashAlg, keyBits, spiBytes, requestedLifetimeSeconds)

	idCi := ikewire.MarshalID(ikewire.IDIPv4Subnet, 0, 0, selectorBytes(clientInnerIP+"/32"))
	idCr := ikewire.MarshalID(ikewire.IDIPv4Subnet, 0, 0, selectorBytes(remoteSelector))

	hash1, err := quickModeHash(hashAlg, skeyidA, messageID, saBody, ni, idCi, idCr)
	if err != nil {
		return nil, ccerr.CryptoErr("qm_hash1_failed", "compute Quick Mode HASH(1)", err)
	}

	msg1 := &ikewire.Message{
		Header: ikewire.Header{
			InitiatorCookie: p1.InitiatorCky, ResponderCookie: p1.ResponderCky,
			ExchangeType: ikewire.ExchangeQuickMode, MessageID: messageID, Version: 0x10,
		},
		Payloads: []*ikewire.Payload{
			{Type: ikewire.PayloadHash, Body: hash1},
			{Type: ikewire.PayloadSA, Body: saBody},
			{Type: ikewire.PayloadNonce, Body: ni},
			{Type: ikewire.PayloadID, Body: idCi},
			{Type: ikewire.PayloadID, Body: idCr},
		},
	}
	if err := ex.Send(msg1); err != nil {
		return nil, ccerr.Net("qm_msg1_send_failed", "send Quick Mode message 1", err)
	}

	resp, err := ex.Recv()
	if err != nil {
		return nil, ccerr.Net("qm_msg2_recv_failed", "receive Quick Mode message 2", err)
	}
	saResp := resp.Get(ikewire.PayloadSA)
	nonceResp := resp.Get(ikewire.PayloadNonce)
	hashResp := resp.Get(ikewire.PayloadHash)
	if saResp == nil || nonceResp == nil || hashResp == nil {
		return nil, ccerr.Reply("qm_missing_payload", "Quick Mode response missing SA/Nonce/HASH", nil)
	}
	nr := nonceResp.Body

	// HASH(2) = prf(SKEYID_a, M-ID | Ni_b | SA | Nr | IDci | IDcr) per
	// RFC 2409 §5.5; verify it before trusting the offered SPI/SA.
	expectHash2, err := quickModeHash(hashAlg, skeyidA, messageID, ni, saResp.Body, nr, idCi, idCr)
	if err != nil {
		return nil, ccerr.CryptoErr("qm_hash2_failed", "compute Quick Mode HASH(2)", err)
	}
	if !hmac.Equal(hashResp.Body, expectHash2) {
		return nil, ccerr.Reply("qm_hash2_mismatch", "Quick Mode HASH(2) verification failed", nil)
	}

	spiIn, negEnc, negHash, negKeyBits, lifetime, err := parseQuickModeSA(saResp.Body)
	if err != nil {
		return nil, ccerr.Reply("qm_bad_sa", "parse Quick Mode SA response", err)
	}

	hash3, err := quickModeHash(hashAlg, skeyidA, messageID, []byte{0}, ni, nr)
	if err != nil {
		return nil, ccerr.CryptoErr("qm_hash3_failed", "compute Quick Mode HASH(3)", err)
	}
	msg3 := &ikewire.Message{
		Header: ikewire.Header{
			InitiatorCookie: p1.InitiatorCky, ResponderCookie: p1.ResponderCky,
			ExchangeType: ikewire.ExchangeQuickMode, MessageID: messageID, Version: 0x10,
		},
		Payloads: []*ikewire.Payload{{Type: ikewire.PayloadHash, Body: hash3}},
	}
	if err := ex.Send(msg3); err != nil {
		return nil, ccerr.Net("qm_msg3_send_failed", "send Quick Mode message 3", err)
	}

	encKeyLen, err := espKeyLen(negEnc, negKeyBits)
	if err != nil {
		return nil, ccerr.CryptoErr("qm_keylen_failed", "determine ESP key length", err)
	}
	authKeyLen, err := negHash.Size()
	if err != nil {
		return nil, ccerr.CryptoErr("qm_authlen_failed", "determine ESP auth key length", err)
	}

	spiOutBytes := spiBytes
	spiInBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(spiInBytes, spiIn)

	outMat, err := ikecrypto.DerivePhase2KeyMaterial(hashAlg, skeyidD, ikewire.ProtoESP, spiOutBytes, ni, nr, encKeyLen+authKeyLen)
	if err != nil {
		return nil, ccerr.CryptoErr("qm_keymat_out_failed", "derive outbound ESP key material", err)
	}
	inMat, err := ikecrypto.DerivePhase2KeyMaterial(hashAlg, skeyidD, ikewire.ProtoESP, spiInBytes, ni, nr, encKeyLen+authKeyLen)
	if err != nil {
		return nil, ccerr.CryptoErr("qm_keymat_in_failed", "derive inbound ESP key material", err)
	}

	now := time.Now()
	rekeyAt := now.Add(time.Duration(float64(lifetime) * 0.90 * float64(time.Second)))

	return &Phase2SA{
		Out:          SPI2{SPI: spiOut, EncKey: outMat[:encKeyLen], AuthKey: outMat[encKeyLen:]},
		In:           SPI2{SPI: spiIn, EncKey: inMat[:encKeyLen], AuthKey: inMat[encKeyLen:]},
		EncAlg:       negEnc,
		HashAlg:      negHash,
		Lifetime:     lifetime,
		NegotiatedAt: now,
		RekeyAt:      rekeyAt,
	}, nil
}

func buildQuickModeSA(enc ikecrypto.EncAlg, hashAlg ikecrypto.HashAlg, keyBits int, spi []byte, lifetimeSeconds uint32) []byte {
	if lifetimeSeconds == 0 {
		lifetimeSeconds = 3600
	}
	attrs := []ikewire.Attribute{
		ikewire.AttrUint16(ikewire.AttrEncapMode, ikewire.EncapTunnel),
		ikewire.AttrUint16(ikewire.AttrAuthAlg, authAlgID(hashAlg)),
		ikewire.AttrUint32(ikewire.AttrP2LifeDuration, lifetimeSeconds),
	}
	if enc == ikecrypto.EncAES {
		attrs = append(attrs, ikewire.AttrUint32(ikewire.AttrP2KeyLength, uint32(keyBits)))
	}
	return ikewire.MarshalSA(1, []ikewire.Proposal{{
		ProposalNum: 1,
		ProtocolID:  ikewire.ProtoESP,
		SPI:         spi,
		Transforms:  []ikewire.Transform{{TransformID: espTransformID(enc), Attributes: attrs}},
	}})
}

func parseQuickModeSA(body []byte) (spi uint32, enc ikecrypto.EncAlg, hashAlg ikecrypto.HashAlg, keyBits int, lifetime uint32, err error) {
	if len(body) < 4 {
		return 0, 0, 0, 0, 0, fmt.Errorf("ike: Quick Mode SA payload too short")
	}
	proposals, perr := ikewire.UnmarshalProposals(body[4:])
	if perr != nil {
		return 0, 0, 0, 0, 0, perr
	}
	if len(proposals) == 0 || len(proposals[0].Transforms) == 0 {
		return 0, 0, 0, 0, 0, fmt.Errorf("ike: Quick Mode response carries no transforms")
	}
	prop := proposals[0]
	if len(prop.SPI) != 4 {
		return 0, 0, 0, 0, 0, fmt.Errorf("ike: Quick Mode SPI is not 4 bytes")
	}
	spi = binary.BigEndian.Uint32(prop.SPI)
	lifetime = uint32(3600)

	switch prop.Transforms[0].TransformID {
	case ikewire.ESPTransform3DES:
		enc = ikecrypto.Enc3DES
		keyBits = 192
	default:
		enc = ikecrypto.EncAES
	}
	hashAlg = ikecrypto.HashSHA1
	for _, a := range prop.Transforms[0].Attributes {
		switch a.Type {
		case ikewire.AttrAuthAlg:
			switch a.Uint16() {
			case ikewire.AuthAlgHMACMD5:
				hashAlg = ikecrypto.HashMD5
			case ikewire.AuthAlgHMACSHA256:
				hashAlg = ikecrypto.HashSHA256
			}
		case ikewire.AttrP2KeyLength:
			keyBits = int(a.Uint32())
		case ikewire.AttrP2LifeDuration:
			lifetime = a.Uint32()
		}
	}
	return spi, enc, hashAlg, keyBits, lifetime, nil
}

func espKeyLen(alg ikecrypto.EncAlg, keyBits int) (int, error) {
	if alg == ikecrypto.Enc3DES {
		return 24, nil
	}
	if keyBits == 0 {
		keyBits = 128
	}
	return keyBits / 8, nil
}

// quickModeHash computes HASH(1)/HASH(3) = prf(SKEYID_a, M-ID | payload...)
// per RFC 2409 §5.5.
func quickModeHash(alg ikecrypto.HashAlg, skeyidA []byte, messageID uint32, parts ...[]byte) ([]byte, error) {
	midBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(midBytes, messageID)
	data := midBytes
	for _, p := range parts {
		data = append(data, p...)
	}
	return ikecrypto.PRF(alg, skeyidA, data)
}

func selectorBytes(cidr string) []byte {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return make([]byte, 8)
	}
	out := make([]byte, 8)
	copy(out[0:4], ip.To4())
	copy(out[4:8], net.IP(ipnet.Mask).To4())
	return out
}
