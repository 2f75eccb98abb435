package cert

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	grpctls "github.com/EternisAI/silo-fleet/internal/grpc/tls"
)

func testPaths(dir string) Paths {
	return Paths{
		CACert:     filepath.Join(dir, "ca", "ca.pem"),
		CAKey:      filepath.Join(dir, "ca", "ca-key.pem"),
		ServerCert: filepath.Join(dir, "server", "server.pem"),
		ServerKey:  filepath.Join(dir, "server", "server-key.pem"),
	}
}

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	c, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return c
}

func TestEnsure_GeneratesChain(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, []string{"fleet.example.com", "10.0.0.5"}))

	ca := readCert(t, paths.CACert)
	assert.True(t, ca.IsCA)

	server := readCert(t, paths.ServerCert)
	assert.Equal(t, []string{"fleet.example.com"}, server.DNSNames)
	require.Len(t, server.IPAddresses, 1)
	assert.True(t, server.IPAddresses[0].Equal(net.ParseIP("10.0.0.5")))

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	_, err := server.Verify(x509.VerifyOptions{DNSName: "fleet.example.com", Roots: pool})
	assert.NoError(t, err)

	info, err := os.Stat(paths.ServerKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsure_KeepsExistingFiles(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, nil))
	first := readCert(t, paths.ServerCert)

	require.NoError(t, Ensure(paths, nil))
	assert.Equal(t, first.SerialNumber, readCert(t, paths.ServerCert).SerialNumber)
}

func TestEnsure_ReissuesServerWithExistingCA(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, nil))
	ca := readCert(t, paths.CACert)

	require.NoError(t, os.Remove(paths.ServerCert))
	require.NoError(t, Ensure(paths, []string{"localhost"}))

	assert.Equal(t, ca.SerialNumber, readCert(t, paths.CACert).SerialNumber)
	assert.NoError(t, readCert(t, paths.ServerCert).CheckSignatureFrom(ca))
}

func TestGeneratedFilesLoadAsCredentials(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, nil))

	auth, err := grpctls.ParseClientAuthType("none")
	require.NoError(t, err)
	_, err = grpctls.LoadServerCredentials(paths.ServerCert, paths.ServerKey, paths.CACert, auth)
	require.NoError(t, err)

	_, err = grpctls.LoadClientCredentials("", "", paths.CACert, "localhost")
	require.NoError(t, err)
}

func TestIssuer_IssueClient(t *testing.T) {
	dir := t.TempDir()
	paths := testPaths(dir)
	require.NoError(t, Ensure(paths, nil))

	issuer, err := NewIssuer(paths.CACert, paths.CAKey)
	require.NoError(t, err)

	certPEM, keyPEM, err := issuer.IssueClient("node-1")
	require.NoError(t, err)

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "node-1", leaf.Subject.CommonName)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(issuer.CACertPEM()))
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}})
	assert.NoError(t, err)

	certFile := filepath.Join(dir, "node-1.pem")
	keyFile := filepath.Join(dir, "node-1-key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	_, err = grpctls.LoadClientCredentials(certFile, keyFile, paths.CACert, "localhost")
	assert.NoError(t, err)

	_, _, err = issuer.IssueClient("")
	assert.Error(t, err)
}

func TestNewIssuer_MissingCA(t *testing.T) {
	paths := testPaths(t.TempDir())
	_, err := NewIssuer(paths.CACert, paths.CAKey)
	assert.Error(t, err)
}
