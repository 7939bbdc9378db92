// Package tls serves the HTTP API over HTTPS, from given certificate files or
// from a self-signed pair generated on first use.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config is the [server.tls] section.
//
// CertFile and KeyFile win when both are set. Otherwise Dir holds tls.crt and
// tls.key, generated there when AutoGenerate is on and they are missing.
type Config struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
}

// Validate reports configuration errors without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("tls: enabled but neither cert_file/key_file nor dir is set")
	}
	if _, ok := parseTLSVersion(c.MinVersion); !ok {
		return fmt.Errorf("tls: invalid min_version %q", c.MinVersion)
	}
	return nil
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default", "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// Setup returns the server TLS configuration, or nil when TLS is disabled.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseTLSVersion(c.MinVersion)

	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		certPath = filepath.Join(c.Dir, tlsCrt)
		keyPath = filepath.Join(c.Dir, tlsKey)
		if c.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(c); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if !certificatesExist(certPath, keyPath) {
		return nil, fmt.Errorf("tls: certificate %s or key %s not found", certPath, keyPath)
	}
	// #nosec G402 minimum version is at least TLS 1.2
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

// getCertificationFunc reloads the pair on every handshake so rotated files
// are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certificate, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &certificate, nil
	}
}

// certificatesExist checks if both certificate files exist
func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(c Config) error {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	hosts := c.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	validDays := c.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   hosts[0],
		Organization: "portpilot",
		Hosts:        hosts,
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(c.Dir, tlsCrt),
		KeyPath:      filepath.Join(c.Dir, tlsKey),
		CACertPath:   filepath.Join(c.Dir, tlsCaCrt),
	})
}
