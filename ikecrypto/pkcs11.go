package ikecrypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"sync"

	"github.com/miekg/pkcs11"
)

// PKCS11Store wraps a smart-card / HSM session for the
// profile.CertPKCS11 descriptor (§3). The PKCS#11 C API is not
// goroutine-safe for a shared session, so every operation is
// serialized behind mu — signing happens rarely (Phase 1 auth, cert
// enrollment) and is never on a hot path, so a single lock is the
// right amount of concurrency control, not a pool.
type PKCS11Store struct {
	mu      sync.Mutex
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
}

// OpenPKCS11 loads the PKCS#11 module at modulePath, opens a session
// on the first available slot, and logs in with pin.
func OpenPKCS11(modulePath, pin string) (*PKCS11Store, error) {
	ctx := pkcs11.New(modulePath)
	if ctx == nil {
		return nil, fmt.Errorf("ikecrypto: failed to load PKCS#11 module %s", modulePath)
	}
	if err := ctx.Initialize(); err != nil {
		return nil, fmt.Errorf("ikecrypto: initialize PKCS#11 module: %w", err)
	}
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		ctx.Finalize()
		return nil, fmt.Errorf("ikecrypto: list PKCS#11 slots: %w", err)
	}
	if len(slots) == 0 {
		ctx.Finalize()
		return nil, fmt.Errorf("ikecrypto: no PKCS#11 slots with a token present")
	}
	session, err := ctx.OpenSession(slots[0], pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		ctx.Finalize()
		return nil, fmt.Errorf("ikecrypto: open PKCS#11 session: %w", err)
	}
	if err := ctx.Login(session, pkcs11.CKU_USER, pin); err != nil {
		ctx.CloseSession(session)
		ctx.Finalize()
		return nil, fmt.Errorf("ikecrypto: PKCS#11 login: %w", err)
	}
	return &PKCS11Store{ctx: ctx, session: session}, nil
}

// Close logs out, closes the session, and unloads the module.
func (s *PKCS11Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ctx.Logout(s.session)
	_ = s.ctx.CloseSession(s.session)
	err := s.ctx.Finalize()
	s.ctx.Destroy()
	return err
}

// Identity finds the certificate and private-key object pair matching
// id (the CKA_ID the profile's CertDescriptor.ID names) and returns a
// ClientIdentity whose PrivateKey signs via the token.
func (s *PKCS11Store) Identity(id []byte) (*ClientIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	certHandle, err := s.findObject(pkcs11.CKO_CERTIFICATE, id)
	if err != nil {
		return nil, err
	}
	attrs, err := s.ctx.GetAttributeValue(s.session, certHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("ikecrypto: read PKCS#11 certificate value: %w", err)
	}
	cert, err := x509.ParseCertificate(attrs[0].Value)
	if err != nil {
		return nil, fmt.Errorf("ikecrypto: parse PKCS#11 certificate: %w", err)
	}

	keyHandle, err := s.findObject(pkcs11.CKO_PRIVATE_KEY, id)
	if err != nil {
		return nil, err
	}

	return &ClientIdentity{
		Certificate: cert,
		Chain:       [][]byte{attrs[0].Value},
		PrivateKey:  &pkcs11Signer{store: s, handle: keyHandle, pub: cert.PublicKey},
	}, nil
}

func (s *PKCS11Store) findObject(class uint, id []byte) (pkcs11.ObjectHandle, error) {
	tmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	}
	if err := s.ctx.FindObjectsInit(s.session, tmpl); err != nil {
		return 0, fmt.Errorf("ikecrypto: PKCS#11 FindObjectsInit: %w", err)
	}
	defer s.ctx.FindObjectsFinal(s.session)
	handles, _, err := s.ctx.FindObjects(s.session, 1)
	if err != nil {
		return 0, fmt.Errorf("ikecrypto: PKCS#11 FindObjects: %w", err)
	}
	if len(handles) == 0 {
		return 0, fmt.Errorf("ikecrypto: no PKCS#11 object found for the configured ID")
	}
	return handles[0], nil
}

// pkcs11Signer implements crypto.Signer by delegating Sign to the
// token, keeping the private key material inside the HSM/smart card
// at all times.
type pkcs11Signer struct {
	store  *PKCS11Store
	handle pkcs11.ObjectHandle
	pub    crypto.PublicKey
}

func (p *pkcs11Signer) Public() crypto.PublicKey { return p.pub }

func (p *pkcs11Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	var mechanism uint = pkcs11.CKM_RSA_PKCS
	if _, ok := opts.(*rsa.PSSOptions); ok {
		mechanism = pkcs11.CKM_RSA_PKCS_PSS
	}
	data := digest
	if mechanism == pkcs11.CKM_RSA_PKCS {
		// CKM_RSA_PKCS pads its input as-is, so the DigestInfo prefix that
		// rsa.VerifyPKCS1v15 checks for is prepended here.
		prefixes := map[crypto.Hash][]byte{
			crypto.MD5:    {0x30, 0x20, 0x30, 0x0c, 0x06, 0x08, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x02, 0x05, 0x05, 0x00, 0x04, 0x10},
			crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
			crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
			crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
			crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
		}
		data = append(append([]byte{}, prefixes[opts.HashFunc()]...), digest...)
	}
	if err := p.store.ctx.SignInit(p.store.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(mechanism, nil)}, p.handle); err != nil {
		return nil, fmt.Errorf("ikecrypto: PKCS#11 SignInit: %w", err)
	}
	sig, err := p.store.ctx.Sign(p.store.session, data)
	if err != nil {
		return nil, fmt.Errorf("ikecrypto: PKCS#11 Sign: %w", err)
	}
	return sig, nil
}
