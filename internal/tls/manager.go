// Package tls builds the server TLS configuration. Certificates come from
// ACME when autocert is on, then from configured files, and outside
// production from a generated development certificate.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"storefront-auth/internal/config"
	"storefront-auth/internal/util"
)

var ErrNoCertificate = errors.New("no TLS certificate available")

type Manager struct {
	cfg        config.ServerConfig
	production bool
	autoCert   *autocert.Manager
	fileCert   *tls.Certificate
	dev        *DevCertGenerator

	mu      sync.Mutex
	devCert *tls.Certificate
}

// NewManager validates the certificate sources up front so a misconfigured
// server fails at startup instead of on the first handshake.
func NewManager(cfg config.ServerConfig, environment string) (*Manager, error) {
	m := &Manager{cfg: cfg, production: environment == config.EnvProduction}

	if cfg.AutoCert {
		if err := os.MkdirAll(cfg.AutoCertDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create autocert dir: %w", err)
		}
		m.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Domain),
			Cache:      autocert.DirCache(cfg.AutoCertDir),
			Email:      cfg.Email,
		}
		util.Info("AutoCert configured",
			zap.String("domain", cfg.Domain),
			zap.String("cache_dir", cfg.AutoCertDir))
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		m.fileCert = &cert
	}

	if m.production {
		if m.autoCert == nil && m.fileCert == nil {
			return nil, errors.New("production TLS needs SERVER_AUTOCERT or SERVER_CERT_FILE and SERVER_KEY_FILE")
		}
	} else {
		m.dev = NewDevCertGenerator(cfg.AutoCertDir)
	}
	return m, nil
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		if m.fileCert == nil && m.dev == nil {
			return nil, err
		}
		util.Warn("AutoCert failed, using fallback certificate", zap.Error(err))
	}
	if m.fileCert != nil {
		return m.fileCert, nil
	}
	if m.dev != nil {
		return m.developmentCert()
	}
	return nil, ErrNoCertificate
}

func (m *Manager) developmentCert() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devCert != nil {
		return m.devCert, nil
	}
	cert, err := m.dev.Certificate([]string{m.cfg.Domain, "localhost", "127.0.0.1", "::1"})
	if err != nil {
		return nil, fmt.Errorf("failed to generate development certificate: %w", err)
	}
	m.devCert = &cert
	return m.devCert, nil
}

func (m *Manager) TLSConfig() *tls.Config {
	cfg := &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	if m.autoCert != nil {
		cfg.NextProtos = append(cfg.NextProtos, "acme-tls/1")
	}
	return cfg
}

// AutoCertEnabled reports whether ACME challenges need the plain HTTP
// listener.
func (m *Manager) AutoCertEnabled() bool {
	return m.autoCert != nil
}

// HTTPHandler answers ACME HTTP-01 challenges and passes everything else to
// fallback. A nil fallback redirects to HTTPS.
func (m *Manager) HTTPHandler(fallback http.Handler) http.Handler {
	if m.autoCert != nil {
		return m.autoCert.HTTPHandler(fallback)
	}
	if fallback == nil {
		return http.HandlerFunc(redirectHTTPS)
	}
	return fallback
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "use HTTPS", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusFound)
}
