package cryptoutils

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomCertFingerprint(t *testing.T) {
	cert, err := RandomCert("orchestrator")
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, "orchestrator", cert.Leaf.Subject.CommonName)

	fp := CertFingerprint(cert.Leaf)
	assert.Len(t, fp, 64)

	other, err := RandomCert("orchestrator")
	require.NoError(t, err)
	assert.NotEqual(t, fp, CertFingerprint(other.Leaf))
}

func TestNormalizeFingerprint(t *testing.T) {
	assert.Equal(t, "abcdef01", NormalizeFingerprint(" AB:CD:EF:01 "))
	assert.Equal(t, "abcdef01", NormalizeFingerprint("abcdef01"))
}

func TestLoadTLSConfigs(t *testing.T) {
	dir := t.TempDir()

	cert, err := RandomCert("custodian")
	require.NoError(t, err)

	keyPEM, err := EncodeKeyPEM(cert)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, EncodeCertPEM(cert), 0600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0600))

	clientCfg, err := LoadClientTLSConfig(certFile, keyFile, certFile)
	require.NoError(t, err)
	assert.Len(t, clientCfg.Certificates, 1)
	assert.NotNil(t, clientCfg.RootCAs)

	serverCfg, err := LoadServerTLSConfig(certFile, keyFile, "")
	require.NoError(t, err)
	assert.Equal(t, tls.RequestClientCert, serverCfg.ClientAuth)

	serverCfg, err = LoadServerTLSConfig(certFile, keyFile, certFile)
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, serverCfg.ClientAuth)

	generated, err := LoadServerTLSConfig("", "", "")
	require.NoError(t, err)
	assert.Len(t, generated.Certificates, 1)

	_, err = LoadClientTLSConfig(filepath.Join(dir, "missing.pem"), keyFile, "")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.pem"), []byte(strings.Repeat("x", 10)), 0600))
	_, err = LoadClientTLSConfig(certFile, keyFile, filepath.Join(dir, "empty.pem"))
	assert.Error(t, err)
}
