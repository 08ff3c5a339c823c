package ikecrypto

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

// ClientIdentity is a loaded client certificate plus its private key,
// ready to present during XAuth-cert or hybrid authentication (§4.2).
type ClientIdentity struct {
	Certificate *x509.Certificate
	Chain       [][]byte
	PrivateKey  crypto.Signer
}

// TLSCertificate adapts the identity to a tls.Certificate for use in a
// tls.Config's Certificates list.
func (c *ClientIdentity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: c.Chain,
		PrivateKey:  c.PrivateKey,
		Leaf:        c.Certificate,
	}
}

// LoadPKCS8 loads a PEM-encoded certificate and PKCS#8 private key
// from path, the profile.CertPKCS8 descriptor (§3). The stdlib
// crypto/x509 and encoding/pem cover this case completely; no
// third-party PEM/PKCS#8 parser is warranted.
func LoadPKCS8(path string, password string) (*ClientIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ikecrypto: read %s: %w", path, err)
	}

	var chain [][]byte
	var leaf *x509.Certificate
	var signer crypto.Signer

	rest := raw
	for {
		var blk *pem.Block
		blk, rest = pem.Decode(rest)
		if blk == nil {
			break
		}
		switch blk.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(blk.Bytes)
			if err != nil {
				return nil, fmt.Errorf("ikecrypto: parse certificate in %s: %w", path, err)
			}
			if leaf == nil {
				leaf = cert
			}
			chain = append(chain, blk.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
			if err != nil {
				return nil, fmt.Errorf("ikecrypto: parse PKCS#8 key in %s: %w", path, err)
			}
			s, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("ikecrypto: key in %s is not a signing key", path)
			}
			signer = s
		case "ENCRYPTED PRIVATE KEY":
			return nil, fmt.Errorf("ikecrypto: %s holds an encrypted PKCS#8 key; decrypt it before loading", path)
		}
	}
	if leaf == nil || signer == nil {
		return nil, fmt.Errorf("ikecrypto: %s must contain both a certificate and a PKCS#8 private key", path)
	}
	return &ClientIdentity{Certificate: leaf, Chain: chain, PrivateKey: signer}, nil
}

// LoadPKCS12 loads a .p12/.pfx bundle, the profile.CertPKCS12
// descriptor (§3), via software.sslmate.com/src/go-pkcs12's
// DecodeChain; nothing in the stdlib reads PKCS#12.
func LoadPKCS12(path, password string) (*ClientIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ikecrypto: read %s: %w", path, err)
	}
	key, cert, caCerts, err := pkcs12.DecodeChain(raw, password)
	if err != nil {
		return nil, fmt.Errorf("ikecrypto: decode PKCS#12 bundle %s: %w", path, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("ikecrypto: key in %s is not a signing key", path)
	}
	chain := [][]byte{cert.Raw}
	for _, ca := range caCerts {
		chain = append(chain, ca.Raw)
	}
	return &ClientIdentity{Certificate: cert, Chain: chain, PrivateKey: signer}, nil
}
