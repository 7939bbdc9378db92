package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestValidate(t *testing.T) {
	tests := map[string]Config{
		"nothing configured": {Enabled: true},
		"cert without key":   {Enabled: true, CertFile: "a.crt"},
		"bad version":        {Enabled: true, Dir: "/tmp", MinVersion: "1.0"},
	}
	for name, c := range tests {
		assert.Error(t, c.Validate(), name)
	}
	assert.NoError(t, Config{Enabled: true, Dir: "/tmp", MinVersion: "TLS1.3"}.Validate())
	assert.NoError(t, Config{Enabled: false, CertFile: "only"}.Validate())
}

func TestSetupAutoGenerates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, Hosts: []string{"dev.local", "127.0.0.1"}})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}
	st, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	raw, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev.local"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", cert.IPAddresses[0].String())

	got, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, got.Certificate)

	// A second setup reuses the existing pair.
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	_, err = Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	assert.Equal(t, before, after)
}

func TestSetupMissingFiles(t *testing.T) {
	_, err := Setup(Config{Enabled: true, Dir: t.TempDir()})
	assert.Error(t, err)
	_, err = Setup(Config{Enabled: true, CertFile: "/nonexistent/a.crt", KeyFile: "/nonexistent/a.key"})
	assert.Error(t, err)
}
