package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// CertConfig holds configuration for certificate generation
type CertConfig struct {
	CommonName   string
	Organization string
	// Hosts are DNS names or IP addresses.
	Hosts      []string
	NotAfter   time.Time
	CertPath   string
	KeyPath    string
	CACertPath string
}

// GenerateSelfSignedCert writes a self-signed certificate and its private key.
// The key file is readable by the owner only.
func GenerateSelfSignedCert(config CertConfig) error {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   config.CommonName,
			Organization: []string{config.Organization},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              config.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range config.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := writePEM(config.CertPath, "CERTIFICATE", certDER, 0o644); err != nil {
		return err
	}
	if err := writePEM(config.KeyPath, "PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}
	// Self-signed: the CA file is the certificate itself.
	if config.CACertPath != "" {
		if err := writePEM(config.CACertPath, "CERTIFICATE", certDER, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func writePEM(path, typ string, der []byte, mode os.FileMode) (err error) {
	// #nosec G304 path comes from configuration
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
