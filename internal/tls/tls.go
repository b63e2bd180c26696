// Package tls builds crypto/tls configurations for the receivers and the
// exporter from PEM files on disk.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ServerConfig configures TLS on the OTLP receivers. TLS is off unless
// CertFile is set.
type ServerConfig struct {
	CertFile string
	KeyFile  string
	// ClientCAFile enables client certificate verification (mTLS).
	ClientCAFile string
	// RequireClientCert rejects clients without a certificate. Without it a
	// certificate is verified only when presented.
	RequireClientCert bool
}

// Enabled reports whether the receivers should serve TLS.
func (c ServerConfig) Enabled() bool {
	return c.CertFile != ""
}

// Build returns the server configuration, or nil when TLS is disabled.
func (c ServerConfig) Build() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if c.KeyFile == "" {
		return nil, errors.New("tls: key file is required with a certificate")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load server certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientCAFile != "" {
		pool, err := loadPool(c.ClientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		if c.RequireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	} else if c.RequireClientCert {
		return nil, errors.New("tls: requiring client certificates needs a client CA file")
	}
	return cfg, nil
}

// ClientConfig configures TLS for the exporter. The zero value verifies
// the server against the system roots.
type ClientConfig struct {
	CAFile string
	// CertFile and KeyFile present a client certificate (mTLS).
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Build returns the client configuration.
func (c ClientConfig) Build() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, errors.New("tls: client certificate and key must be set together")
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tls: no certificates found in %s", path)
	}
	return pool, nil
}
