// Package cert bootstraps a private CA and the agent-facing gRPC server
// certificate for deployments without their own PKI, and issues node
// client certificates from that CA.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 2 * 365 * 24 * time.Hour
	clientValidity = 365 * 24 * time.Hour
	organization   = "Silo Fleet"
)

type Paths struct {
	CACert     string
	CAKey      string
	ServerCert string
	ServerKey  string
}

// Ensure creates whatever of the CA and server pair is missing under
// paths. Existing files are kept. hosts become the server certificate's
// SANs; IP literals go into IPAddresses.
func Ensure(paths Paths, hosts []string) error {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}

	caCert, caKey, err := ensureCA(paths)
	if err != nil {
		return err
	}

	if fileExists(paths.ServerCert) && fileExists(paths.ServerKey) {
		slog.Debug("Using existing server certificate", "cert_path", paths.ServerCert)
		return nil
	}

	slog.Info("Server certificate not found, generating", "cert_path", paths.ServerCert, "hosts", hosts)
	serverCert, serverKey, err := issueServerCert(caCert, caKey, hosts)
	if err != nil {
		return err
	}
	if err := writePair(serverCert, serverKey, paths.ServerCert, paths.ServerKey); err != nil {
		return fmt.Errorf("failed to write server certificate: %w", err)
	}
	slog.Info("Generated server certificate", "cert_path", paths.ServerCert, "key_path", paths.ServerKey)
	return nil
}

func ensureCA(paths Paths) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	if fileExists(paths.CACert) && fileExists(paths.CAKey) {
		slog.Debug("Using existing CA certificate", "cert_path", paths.CACert)
		return loadCA(paths.CACert, paths.CAKey)
	}

	slog.Info("CA certificate not found, generating", "cert_path", paths.CACert)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          newSerial(),
		Subject:               pkix.Name{Organization: []string{organization}, CommonName: "Silo Fleet CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}

	if err := writePair(caCert, key, paths.CACert, paths.CAKey); err != nil {
		return nil, nil, fmt.Errorf("failed to write CA: %w", err)
	}
	slog.Info("Generated CA certificate", "cert_path", paths.CACert, "key_path", paths.CAKey)
	return caCert, key, nil
}

func issueServerCert(caCert *x509.Certificate, caKey *ecdsa.PrivateKey, hosts []string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate server key: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      pkix.Name{Organization: []string{organization}, CommonName: hosts[0]},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(serverValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server certificate: %w", err)
	}
	serverCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return serverCert, key, nil
}

// Issuer signs node client certificates with the fleet CA.
type Issuer struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

func NewIssuer(caCertPath, caKeyPath string) (*Issuer, error) {
	caCert, caKey, err := loadCA(caCertPath, caKeyPath)
	if err != nil {
		return nil, err
	}
	return &Issuer{caCert: caCert, caKey: caKey}, nil
}

// CACertPEM is the CA certificate agents pin.
func (i *Issuer) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.caCert.Raw})
}

// IssueClient returns a PEM certificate and key for commonName, usable
// for mTLS against the gRPC server.
func (i *Issuer) IssueClient(commonName string) (certPEM, keyPEM []byte, err error) {
	if commonName == "" {
		return nil, nil, errors.New("common name is required")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate client key: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      pkix.Name{Organization: []string{organization}, CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(clientValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, i.caCert, &key.PublicKey, i.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("Issued client certificate", "common_name", commonName, "not_after", tmpl.NotAfter)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), nil
}

func loadCA(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, errors.New("CA certificate is not PEM encoded")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, errors.New("CA key is not PEM encoded")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	return caCert, key, nil
}

func writePair(c *x509.Certificate, key *ecdsa.PrivateKey, certPath, keyPath string) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	if err := writePEM(certPath, "CERTIFICATE", c.Raw, 0o644); err != nil {
		return err
	}
	return writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), mode)
}

func newSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serial
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
