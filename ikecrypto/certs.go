package ikecrypto

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// PinnedVerifier validates a peer certificate chain against a CA
// fingerprint the gateway advertised during CCC discovery (§4.2,
// §4.3), rather than the system trust store — the gateway's CA is
// usually enterprise-private and never lands in a public root bundle.
type PinnedVerifier struct {
	CAFingerprint [32]byte // SHA-256 of the CA certificate's raw DER
	pool          *x509.CertPool
}

// NewPinnedVerifier builds a verifier that trusts exactly the CA whose
// raw bytes are given, recording its fingerprint for later comparison
// against what the gateway reports over CCC.
func NewPinnedVerifier(caDER []byte) (*PinnedVerifier, error) {
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, fmt.Errorf("ikecrypto: parse CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &PinnedVerifier{CAFingerprint: sha256.Sum256(caDER), pool: pool}, nil
}

// Verify checks that the leaf certificate chains to the pinned CA and
// is valid for the given server name. leaf is the end-entity
// certificate; intermediates are any additional chain certificates
// the gateway presented.
func (v *PinnedVerifier) Verify(leaf *x509.Certificate, intermediates []*x509.Certificate, serverName string) ([][]*x509.Certificate, error) {
	intPool := x509.NewCertPool()
	for _, c := range intermediates {
		intPool.AddCert(c)
	}
	return leaf.Verify(x509.VerifyOptions{
		DNSName:       serverName,
		Roots:         v.pool,
		Intermediates: intPool,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageAny},
	})
}

// FingerprintMatches reports whether caDER's SHA-256 matches the
// fingerprint the gateway advertised out-of-band, guarding against a
// CCC response substituting a different (attacker) CA than the one
// pinned at profile-creation time.
func (v *PinnedVerifier) FingerprintMatches(caDER []byte) bool {
	got := sha256.Sum256(caDER)
	return got == v.CAFingerprint
}

// TLSConfig builds a *tls.Config whose certificate verification is
// fully delegated to Verify via VerifyPeerCertificate, with the
// standard chain-building machinery disabled (InsecureSkipVerify is
// safe here only because VerifyPeerCertificate replaces it).
func (v *PinnedVerifier) TLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("ikecrypto: no certificates presented")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("ikecrypto: parse leaf certificate: %w", err)
			}
			var inter []*x509.Certificate
			for _, raw := range rawCerts[1:] {
				c, err := x509.ParseCertificate(raw)
				if err != nil {
					return fmt.Errorf("ikecrypto: parse intermediate certificate: %w", err)
				}
				inter = append(inter, c)
			}
			_, err = v.Verify(leaf, inter, serverName)
			return err
		},
	}
}

// InsecureTLSConfig builds a *tls.Config that skips verification
// entirely, for the profile.IgnoreServerCert escape hatch (§3, §6) —
// callers must gate this behind the user's explicit configuration.
func InsecureTLSConfig(serverName string) *tls.Config {
	return &tls.Config{ServerName: serverName, InsecureSkipVerify: true}
}
