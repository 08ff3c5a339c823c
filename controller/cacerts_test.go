package controller

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSelfSignedCA(t *testing.T, path string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-ca"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(24 * time.Hour),
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(path, pemBytes, 0644))
}

func TestLoadCACertsParsesPEMFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ca.pem")
	writeSelfSignedCA(t, path)

	certs, err := loadCACerts([]string{path})
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "test-ca", certs[0].Subject.CommonName)
}

func TestLoadCACertsRejectsMissingFile(t *testing.T) {
	_, err := loadCACerts([]string{"/nonexistent/ca.pem"})
	assert.Error(t, err)
}

func TestLoadCACertsRejectsEmptyPEM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a cert"), 0644))

	_, err := loadCACerts([]string{path})
	assert.Error(t, err)
}
