package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
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

	"github.com/fabian4/vhost-gateway-go/internal/model"
)

func writeBundle(t *testing.T, dir, name string, dnsNames []string) model.CertificateBundle {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: dnsNames[0]},
		DNSNames:     dnsNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	b := model.CertificateBundle{
		Name:      name,
		CertFile:  filepath.Join(dir, name+"-cert.pem"),
		KeyFile:   filepath.Join(dir, name+"-key.pem"),
		ChainFile: filepath.Join(dir, name+"-chain.pem"),
	}
	require.NoError(t, os.WriteFile(b.CertFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(b.KeyFile, keyPEM, 0o600))
	// self-signed: reuse the leaf as its own chain
	require.NoError(t, os.WriteFile(b.ChainFile, certPEM, 0o600))
	return b
}

func TestStore_LoadAndSNI(t *testing.T) {
	dir := t.TempDir()
	siteA := writeBundle(t, dir, "site-a", []string{"a.test", "www.a.test"})
	siteB := writeBundle(t, dir, "site-b", []string{"*.b.test"})

	s := NewStore()
	failed := s.Load([]model.CertificateBundle{siteA, siteB})
	require.Empty(t, failed)
	require.NoError(t, s.Has([]string{"site-a", "site-b"}))

	get := s.GetCertificate([]string{"site-a", "site-b"})

	cert, err := get(&tls.ClientHelloInfo{ServerName: "www.a.test"})
	require.NoError(t, err)
	assert.Equal(t, "a.test", cert.Leaf.Subject.CommonName)

	// wildcard match
	cert, err = get(&tls.ClientHelloInfo{ServerName: "x.b.test"})
	require.NoError(t, err)
	assert.Equal(t, "*.b.test", cert.Leaf.Subject.CommonName)

	// no SNI: first named bundle is the default
	cert, err = get(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Equal(t, "a.test", cert.Leaf.Subject.CommonName)
}

func TestStore_RestrictedToListenerBundles(t *testing.T) {
	dir := t.TempDir()
	siteA := writeBundle(t, dir, "site-a", []string{"a.test"})
	siteB := writeBundle(t, dir, "site-b", []string{"b.test"})

	s := NewStore()
	require.Empty(t, s.Load([]model.CertificateBundle{siteA, siteB}))

	get := s.GetCertificate([]string{"site-b"})
	cert, err := get(&tls.ClientHelloInfo{ServerName: "a.test"})
	require.NoError(t, err)
	// a.test is loaded but not allowed on this listener; default wins
	assert.Equal(t, "b.test", cert.Leaf.Subject.CommonName)
}

func TestStore_MissingChainFileIsDescriptive(t *testing.T) {
	dir := t.TempDir()
	b := writeBundle(t, dir, "site", []string{"site.test"})
	require.NoError(t, os.Remove(b.ChainFile))

	s := NewStore()
	failed := s.Load([]model.CertificateBundle{b})
	require.Contains(t, failed, "site")
	assert.ErrorContains(t, failed["site"], "chain file")
	assert.ErrorContains(t, failed["site"], b.ChainFile)
	assert.Error(t, s.Has([]string{"site"}))
}

func TestStore_ReloadKeepsOldCertOnFailure(t *testing.T) {
	dir := t.TempDir()
	b := writeBundle(t, dir, "site", []string{"site.test"})

	s := NewStore()
	require.Empty(t, s.Load([]model.CertificateBundle{b}))

	// renewal gone wrong: key file disappears
	require.NoError(t, os.Remove(b.KeyFile))
	failed := s.Load([]model.CertificateBundle{b})
	require.Contains(t, failed, "site")
	assert.ErrorContains(t, failed["site"], "previously loaded")

	// still serving the old certificate
	require.NoError(t, s.Has([]string{"site"}))
	cert, err := s.GetCertificate([]string{"site"})(&tls.ClientHelloInfo{ServerName: "site.test"})
	require.NoError(t, err)
	assert.NotNil(t, cert)
}
