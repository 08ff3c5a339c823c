package ike

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/ccvpn-oss/ccvpn/ikecrypto"
	"github.com/ccvpn-oss/ccvpn/ikewire"
)

// authHash computes RFC 2409 §5's Main/Aggressive-mode authentication
// hash:
//
//	HASH_I = prf(SKEYID, g^xi | g^xr | CKY-I | CKY-R | SAi_b | IDii_b)
//	HASH_R = prf(SKEYID, g^xr | g^xi | CKY-R | CKY-I | SAi_b | IDir_b)
//
// Both sides use the same formula; callers swap the DH-public/cookie
// argument order (first/second) to compute the responder's side.
func authHash(alg ikecrypto.HashAlg, skeyid, firstPub, secondPub []byte, firstCky, secondCky [8]byte, saBody, idBody []byte) ([]byte, error) {
	data := concatBytes(firstPub, secondPub, firstCky[:], secondCky[:], saBody, idBody)
	return ikecrypto.PRF(alg, skeyid, data)
}

func concatBytes(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// cryptoHashFor maps the negotiated Phase-1 hash to the crypto.Hash a
// crypto.Signer needs to produce an RFC 2409-compliant SIG payload:
// PKCS#1v1.5 over the HASH_I/HASH_R digest, DigestInfo-tagged with the
// same algorithm that produced the digest.
func cryptoHashFor(alg ikecrypto.HashAlg) (crypto.Hash, error) {
	switch alg {
	case ikecrypto.HashMD5:
		return crypto.MD5, nil
	case ikecrypto.HashSHA1:
		return crypto.SHA1, nil
	case ikecrypto.HashSHA256:
		return crypto.SHA256, nil
	case ikecrypto.HashSHA384:
		return crypto.SHA384, nil
	case ikecrypto.HashSHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("ike: unsupported signature hash algorithm %d", alg)
	}
}

// buildCertPayloads encodes identity's chain (leaf first, per
// ikecrypto.ClientIdentity.Chain) as one Cert payload each, RFC 2408
// §3.9 X.509-Signature encoding.
func buildCertPayloads(identity *ikecrypto.ClientIdentity) []*ikewire.Payload {
	payloads := make([]*ikewire.Payload, 0, len(identity.Chain))
	for _, der := range identity.Chain {
		body := make([]byte, 0, len(der)+1)
		body = append(body, byte(ikewire.CertEncodingX509Sig))
		body = append(body, der...)
		payloads = append(payloads, &ikewire.Payload{Type: ikewire.PayloadCert, Body: body})
	}
	return payloads
}

// parsePeerCerts decodes the Cert payloads a Phase-1 message carried
// into a leaf certificate (the first Cert payload) plus any
// intermediates.
func parsePeerCerts(msg *ikewire.Message) (*x509.Certificate, []*x509.Certificate, error) {
	certPayloads := msg.All(ikewire.PayloadCert)
	if len(certPayloads) == 0 {
		return nil, nil, fmt.Errorf("ike: Phase-1 response carries no Cert payload")
	}
	var leaf *x509.Certificate
	var intermediates []*x509.Certificate
	for i, cp := range certPayloads {
		if len(cp.Body) < 2 {
			return nil, nil, fmt.Errorf("ike: Cert payload too short")
		}
		cert, err := x509.ParseCertificate(cp.Body[1:])
		if err != nil {
			return nil, nil, fmt.Errorf("ike: parse peer certificate: %w", err)
		}
		if i == 0 {
			leaf = cert
		} else {
			intermediates = append(intermediates, cert)
		}
	}
	return leaf, intermediates, nil
}

// verifySig checks a SIG payload against digest using the peer
// certificate's RSA public key: RFC 2409 §5's signature-authentication
// mode sends SIG_I/SIG_R = sign(HASH_I/HASH_R) in place of a raw HASH
// payload.
func verifySig(leaf *x509.Certificate, hashAlg ikecrypto.HashAlg, digest, sig []byte) error {
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("ike: peer certificate does not carry an RSA public key")
	}
	ch, err := cryptoHashFor(hashAlg)
	if err != nil {
		return err
	}
	if err := rsa.VerifyPKCS1v15(pub, ch, digest, sig); err != nil {
		return fmt.Errorf("ike: peer signature verification failed: %w", err)
	}
	return nil
}

// buildClientIDBody picks the Identification payload data cert auth
// sends as IDii: the certificate's CommonName when set, else the
// configured username, carried as an opaque Key ID (§4.2 — Check
// Point gateways match this against the cert-mapped user, not an
// IP/FQDN identity).
func buildClientIDBody(identity *ikecrypto.ClientIdentity, userName string) []byte {
	name := identity.Certificate.Subject.CommonName
	if name == "" {
		name = userName
	}
	return ikewire.MarshalID(ikewire.IDKeyID, 0, 0, []byte(name))
}
