package controller

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/ikecrypto"
)

// loadCACerts bridges profile.ConnectionProfile.CACerts (PEM file
// paths, as the profile layer stores them) to gateway.Config.CACerts
// (parsed *x509.Certificate values, as the HTTPS client needs them).
func loadCACerts(paths []string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, ccerr.Config("ca_cert_read_failed", "read CA certificate file "+path, err)
		}
		rest := raw
		found := 0
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, ccerr.Config("ca_cert_parse_failed", "parse CA certificate "+path, err)
			}
			certs = append(certs, cert)
			found++
		}
		if found == 0 {
			return nil, ccerr.Config("ca_cert_empty", "no PEM certificates found in "+path, nil)
		}
	}
	return certs, nil
}

// buildPinnedVerifier picks the configured CA certificate matching the
// fingerprint the gateway advertised over CCC discovery
// (gateway.LoginOptions.InternalCAFingerprint) and wraps it as an
// ikecrypto.PinnedVerifier for Phase-1 certificate validation. A zero
// fingerprint (older gateways that don't advertise one) or no
// configured CA certs disables chain verification — RunMainMode still
// verifies the peer's Sig payload itself, so Phase 1 never completes
// with zero identity proof, only without CA-chain trust.
func buildPinnedVerifier(caCerts []*x509.Certificate, fingerprint [32]byte) (*ikecrypto.PinnedVerifier, error) {
	var zero [32]byte
	if fingerprint == zero || len(caCerts) == 0 {
		return nil, nil
	}
	for _, ca := range caCerts {
		if sha256.Sum256(ca.Raw) == fingerprint {
			return ikecrypto.NewPinnedVerifier(ca.Raw)
		}
	}
	return nil, ccerr.Config("ca_fingerprint_mismatch", "no configured CA certificate matches the gateway-advertised fingerprint", nil)
}
