// Package tls picks the server certificate: ACME via autocert, a
// configured key pair, or a self-signed certificate outside production.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"edge-guard/internal/config"
	"edge-guard/internal/util"

	"golang.org/x/crypto/acme/autocert"
)

var ErrNoCertificate = errors.New("no TLS certificate available")

type TLSManager struct {
	config     config.ServerConfig
	production bool
	autoCert   *autocert.Manager

	mu       sync.Mutex
	fileCert *tls.Certificate
	devCert  *tls.Certificate
}

func NewTLSManager(cfg config.ServerConfig, production bool) *TLSManager {
	manager := &TLSManager{
		config:     cfg,
		production: production,
	}

	if cfg.AutoCert && cfg.EnableTLS {
		manager.setupAutoCert()
	}

	return manager
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.config.AutoCertDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", util.ErrorField(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.config.Domain),
		Cache:      autocert.DirCache(m.config.AutoCertDir),
		Email:      m.config.Email,
	}

	util.Info("AutoCert configured",
		util.String("domain", m.config.Domain),
		util.String("cache_dir", m.config.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert failed, falling back", util.ErrorField(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.CertFile != "" && m.config.KeyFile != "" {
		if m.fileCert == nil {
			cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
			if err != nil {
				util.Error("Failed to load TLS key pair", util.ErrorField(err))
			} else {
				m.fileCert = &cert
			}
		}
		if m.fileCert != nil {
			return m.fileCert, nil
		}
	}

	if m.production {
		return nil, ErrNoCertificate
	}
	return m.selfSigned()
}

// selfSigned must be called with m.mu held.
func (m *TLSManager) selfSigned() (*tls.Certificate, error) {
	if m.devCert != nil {
		return m.devCert, nil
	}

	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.config.Domain != "" {
		hosts = append([]string{m.config.Domain}, hosts...)
	}

	cert, err := NewDevCertGenerator(m.config.AutoCertDir).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	m.devCert = &cert
	return m.devCert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}

// GetAutocertManager is nil unless ACME is enabled.
func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
