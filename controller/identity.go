package controller

import (
	"encoding/hex"
	"strings"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/ikecrypto"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// loadClientIdentity bridges profile.CertDescriptor (the profile
// layer's config-file shape) to ikecrypto.ClientIdentity (the signing
// primitive Phase 1 needs to authenticate a cert/hybrid login),
// mirroring loadCACerts's bridge for the gateway HTTPS client.
//
// The returned closer must be called once Phase 1 finishes: a
// PKCS#11-backed identity's PrivateKey.Sign keeps delegating to the
// token for as long as its session stays open, so the caller owns that
// lifetime rather than ikecrypto.
func loadClientIdentity(cert profile.CertDescriptor) (*ikecrypto.ClientIdentity, func(), error) {
	noop := func() {}
	switch cert.Type {
	case profile.CertPKCS8:
		id, err := ikecrypto.LoadPKCS8(cert.Path, cert.Password)
		if err != nil {
			return nil, noop, ccerr.Config("cert_load_failed", "load PKCS#8 client identity", err)
		}
		return id, noop, nil

	case profile.CertPKCS12:
		id, err := ikecrypto.LoadPKCS12(cert.Path, cert.Password)
		if err != nil {
			return nil, noop, ccerr.Config("cert_load_failed", "load PKCS#12 client identity", err)
		}
		return id, noop, nil

	case profile.CertPKCS11:
		store, err := ikecrypto.OpenPKCS11(cert.Path, cert.Password)
		if err != nil {
			return nil, noop, ccerr.Config("cert_load_failed", "open PKCS#11 module", err)
		}
		idBytes, err := parsePKCS11ID(cert.ID)
		if err != nil {
			store.Close()
			return nil, noop, err
		}
		id, err := store.Identity(idBytes)
		if err != nil {
			store.Close()
			return nil, noop, ccerr.Config("cert_load_failed", "load PKCS#11 client identity", err)
		}
		return id, func() { store.Close() }, nil

	default:
		return nil, noop, ccerr.Config("cert_type_unset", "certificate/hybrid login requires cert.type to be pkcs8, pkcs12, or pkcs11", nil)
	}
}

// parsePKCS11ID accepts profile.CertDescriptor.ID either as a raw byte
// string or as the colon-separated hex form smart-card tooling
// (pkcs11-tool -O) prints.
func parsePKCS11ID(id string) ([]byte, error) {
	if !strings.Contains(id, ":") {
		return []byte(id), nil
	}
	parts := strings.Split(id, ":")
	out := make([]byte, len(parts))
	for i, part := range parts {
		b, err := hex.DecodeString(part)
		if err != nil || len(b) != 1 {
			return nil, ccerr.Config("bad_pkcs11_id", "parse colon-separated hex PKCS#11 id", nil)
		}
		out[i] = b[0]
	}
	return out, nil
}
