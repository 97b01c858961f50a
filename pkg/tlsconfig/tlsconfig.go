// Package tlsconfig provides helpers for building the client TLS credentials
// used on secure connections.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// VersionProfile is a pre-configured TLS version range.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

var (
	// ProfileModern - TLS 1.3 only (most secure, may not work with all servers)
	ProfileModern = VersionProfile{
		Min:         tls.VersionTLS13,
		Max:         tls.VersionTLS13,
		Description: "TLS 1.3 only - maximum security, modern servers only",
	}

	// ProfileSecure - TLS 1.2 and 1.3 (recommended for production)
	ProfileSecure = VersionProfile{
		Min:         tls.VersionTLS12,
		Max:         tls.VersionTLS13,
		Description: "TLS 1.2+ - secure and widely compatible",
	}

	// ProfileCompatible - TLS 1.0 through 1.3 (maximum compatibility, less secure)
	ProfileCompatible = VersionProfile{
		Min:         tls.VersionTLS10,
		Max:         tls.VersionTLS13,
		Description: "TLS 1.0+ - maximum compatibility, includes deprecated versions",
	}
)

// GetVersionName returns a human-readable name for a TLS version.
func GetVersionName(version uint16) string {
	switch version {
	case tls.VersionSSL30:
		return "SSL 3.0"
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("unknown (0x%04x)", version)
	}
}

// Credentials configures the client credentials built by New.
type Credentials struct {
	Profile VersionProfile

	// Client certificate for mutual TLS, either inline PEM or file paths.
	ClientCertPEM  []byte
	ClientKeyPEM   []byte
	ClientCertFile string
	ClientKeyFile  string

	// CustomCACerts adds extra root CAs in PEM form.
	CustomCACerts [][]byte

	InsecureSkipVerify bool
}

// New builds a *tls.Config from the credential settings. The result is meant
// to live for the client session; per-connect fields (ServerName, NextProtos)
// are filled by the transport on each handshake.
func New(c Credentials) (*tls.Config, error) {
	profile := c.Profile
	if profile.Min == 0 {
		profile = ProfileSecure
	}

	cfg := &tls.Config{
		MinVersion:         profile.Min,
		MaxVersion:         profile.Max,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	cert, err := loadClientCertificate(c)
	if err != nil {
		return nil, err
	}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{*cert}
	}

	if len(c.CustomCACerts) > 0 {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		for _, pem := range c.CustomCACerts {
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("invalid custom CA certificate")
			}
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func loadClientCertificate(c Credentials) (*tls.Certificate, error) {
	hasPEM := len(c.ClientCertPEM) > 0 && len(c.ClientKeyPEM) > 0
	hasFile := c.ClientCertFile != "" && c.ClientKeyFile != ""

	if !hasPEM && !hasFile {
		return nil, nil
	}

	certPEM, keyPEM := c.ClientCertPEM, c.ClientKeyPEM
	if !hasPEM {
		var err error
		certPEM, err = os.ReadFile(c.ClientCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client certificate file %s: %w", c.ClientCertFile, err)
		}
		keyPEM, err = os.ReadFile(c.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client key file %s: %w", c.ClientKeyFile, err)
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client certificate/key: %w", err)
	}
	return &cert, nil
}
