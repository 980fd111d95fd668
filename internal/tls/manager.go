// Package tls serves certificates for the status server.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"otp-relay/internal/config"
)

type TLSManager struct {
	config   config.ServerConfig
	autoCert *autocert.Manager
	logger   *zap.Logger

	selfSignedOnce sync.Once
	selfSigned     *tls.Certificate
	selfSignedErr  error
}

func NewTLSManager(cfg config.ServerConfig, logger *zap.Logger) *TLSManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &TLSManager{config: cfg, logger: logger}

	if cfg.AutoCert && cfg.EnableTLS {
		manager.setupAutoCert()
	}
	return manager
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.config.AutoCertDir, 0o700); err != nil {
		m.logger.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.config.Domain),
		Cache:      autocert.DirCache(m.config.AutoCertDir),
		Email:      m.config.Email,
	}

	m.logger.Info("AutoCert configured",
		zap.String("domain", m.config.Domain),
		zap.String("cache_dir", m.config.AutoCertDir))
}

// GetCertificate tries ACME, then the configured key pair, then a
// process-lifetime self-signed certificate.
func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if m.config.CertFile != "" && m.config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
		if err == nil {
			return &cert, nil
		}
		m.logger.Warn("Could not load TLS key pair", zap.Error(err))
	}

	m.selfSignedOnce.Do(func() {
		m.selfSigned, m.selfSignedErr = m.generateSelfSignedCert()
	})
	return m.selfSigned, m.selfSignedErr
}

func (m *TLSManager) generateSelfSignedCert() (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.config.Domain != "" {
		hosts = append([]string{m.config.Domain}, hosts...)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"otp-relay"}, CommonName: hosts[0]},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	m.logger.Info("Generated self-signed certificate", zap.Strings("hosts", hosts))
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
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

// HTTPHandler wraps fallback with the ACME http-01 challenge responder when
// autocert is enabled.
func (m *TLSManager) HTTPHandler(fallback http.Handler) http.Handler {
	if m.autoCert == nil {
		return fallback
	}
	return m.autoCert.HTTPHandler(fallback)
}
