package tls

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-auth/internal/config"
)

func TestDevCertificateIsCachedOnDisk(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.Certificate([]string{"localhost", "127.0.0.1"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.NoError(t, leaf.VerifyHostname("localhost"))
	assert.NoError(t, leaf.VerifyHostname("127.0.0.1"))

	info, err := os.Stat(filepath.Join(dir, devKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := NewDevCertGenerator(dir).Certificate([]string{"localhost"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}

func TestDevCertificateRegeneratedNearExpiry(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)
	first, err := gen.Certificate([]string{"localhost"})
	require.NoError(t, err)

	gen.now = func() time.Time { return time.Now().Add(devCertLifetime - time.Hour) }
	second, err := gen.Certificate([]string{"localhost"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestDevCertificateRegeneratedForNewHost(t *testing.T) {
	dir := t.TempDir()
	first, err := NewDevCertGenerator(dir).Certificate([]string{"localhost"})
	require.NoError(t, err)
	second, err := NewDevCertGenerator(dir).Certificate([]string{"localhost", "shop.test"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestManagerFallsBackToDevCertOutsideProduction(t *testing.T) {
	m, err := NewManager(config.ServerConfig{Domain: "localhost", AutoCertDir: t.TempDir()}, config.EnvDevelopment)
	require.NoError(t, err)
	assert.False(t, m.AutoCertEnabled())

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, again)

	cfg := m.TLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotContains(t, cfg.NextProtos, "acme-tls/1")
}

func TestManagerUsesCertificateFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := NewDevCertGenerator(dir).Certificate([]string{"shop.test"})
	require.NoError(t, err)

	m, err := NewManager(config.ServerConfig{
		CertFile: filepath.Join(dir, devCertFile),
		KeyFile:  filepath.Join(dir, devKeyFile),
	}, config.EnvProduction)
	require.NoError(t, err)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "shop.test"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"shop.test"}, leaf.DNSNames)
}

func TestProductionRequiresCertificateSource(t *testing.T) {
	_, err := NewManager(config.ServerConfig{AutoCertDir: t.TempDir()}, config.EnvProduction)
	assert.Error(t, err)

	_, err = NewManager(config.ServerConfig{CertFile: "missing.pem", KeyFile: "missing.key"}, config.EnvDevelopment)
	assert.Error(t, err)
}

func TestHTTPHandlerRedirectsWithoutAutoCert(t *testing.T) {
	m, err := NewManager(config.ServerConfig{AutoCertDir: t.TempDir()}, config.EnvDevelopment)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.HTTPHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://shop.test/api/v1/auth/me?x=1", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://shop.test/api/v1/auth/me?x=1", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	m.HTTPHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://shop.test/api/v1/auth/login", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
