package tlsconfig

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
)

// writePair writes a self-signed certificate and key, and the two
// concatenated, into dir.
func writePair(t *testing.T, dir string) (certPath, keyPath, combined string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mongo0.dev"},
		DNSNames:              []string{"mongo0.dev"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	kder, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kder})

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	combined = filepath.Join(dir, "mongo.pem")
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(combined, append(append([]byte{}, certPEM...), keyPEM...), 0o600))
	return certPath, keyPath, combined
}

func TestDisabledReturnsNil(t *testing.T) {
	for _, f := range []func() (*tls.Config, error){Options{}.Server, Options{}.Client, Options{}.ServerHotReload} {
		cfg, err := f()
		require.NoError(t, err)
		assert.Nil(t, cfg)
	}
}

func TestServerRequiresCertificate(t *testing.T) {
	_, err := Options{Enable: true}.Server()
	assert.Error(t, err)
	_, err = Options{Enable: true}.ServerHotReload()
	assert.Error(t, err)
}

func TestServerAndClient(t *testing.T) {
	dir := t.TempDir()
	cert, key, combined := writePair(t, dir)

	srv, err := Options{Enable: true, CertFile: cert, KeyFile: key, CAFile: cert}.Server()
	require.NoError(t, err)
	require.Len(t, srv.Certificates, 1)
	assert.Equal(t, tls.RequireAndVerifyClientCert, srv.ClientAuth)
	assert.NotNil(t, srv.ClientCAs)

	cli, err := Options{Enable: true, CertKeyFile: combined, CAFile: cert, ServerName: "mongo0.dev"}.Client()
	require.NoError(t, err)
	assert.Equal(t, "mongo0.dev", cli.ServerName)
	assert.NotNil(t, cli.RootCAs)
	assert.Len(t, cli.Certificates, 1)

	bare, err := Options{Enable: true, InsecureSkipVerify: true}.Client()
	require.NoError(t, err)
	assert.True(t, bare.InsecureSkipVerify)
	assert.Empty(t, bare.Certificates)
}

func TestBadCAFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(p, []byte("not a cert"), 0o600))
	_, err := Options{Enable: true, CAFile: p}.Client()
	assert.Error(t, err)
}

func TestServerHotReloadCachesCertificate(t *testing.T) {
	cert, key, _ := writePair(t, t.TempDir())
	cfg, err := Options{Enable: true, CertFile: cert, KeyFile: key}.ServerHotReload()
	require.NoError(t, err)
	a, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	b, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	assert.Same(t, a, b)
}
