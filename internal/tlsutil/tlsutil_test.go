package tlsutil

import (
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSigned(t *testing.T) {
	cert, err := SelfSigned([]string{"localhost", "127.0.0.1", ""}, time.Hour)
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.True(t, leaf.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))
	assert.Contains(t, leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.False(t, leaf.IsCA)
	assert.WithinDuration(t, time.Now().Add(time.Hour), leaf.NotAfter, time.Minute)
	require.NoError(t, leaf.VerifyHostname("localhost"))
}

func TestSelfSignedSerialsDiffer(t *testing.T) {
	a, err := SelfSigned([]string{"localhost"}, 0)
	require.NoError(t, err)
	b, err := SelfSigned([]string{"localhost"}, 0)
	require.NoError(t, err)

	la, _ := x509.ParseCertificate(a.Certificate[0])
	lb, _ := x509.ParseCertificate(b.Certificate[0])
	assert.NotEqual(t, la.SerialNumber, lb.SerialNumber)
}

func TestServerConfig(t *testing.T) {
	t.Run("self signed when unset", func(t *testing.T) {
		cfg, selfSigned, err := ServerConfig("", "")
		require.NoError(t, err)
		assert.True(t, selfSigned)
		assert.Len(t, cfg.Certificates, 1)
		assert.Equal(t, uint16(0x0303), cfg.MinVersion)
	})

	t.Run("missing files fail", func(t *testing.T) {
		dir := t.TempDir()
		_, _, err := ServerConfig(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"))
		require.Error(t, err)
	})

	t.Run("garbage files fail", func(t *testing.T) {
		dir := t.TempDir()
		certFile := filepath.Join(dir, "cert.pem")
		keyFile := filepath.Join(dir, "key.pem")
		require.NoError(t, os.WriteFile(certFile, []byte("not pem"), 0o600))
		require.NoError(t, os.WriteFile(keyFile, []byte("not pem"), 0o600))
		_, _, err := ServerConfig(certFile, keyFile)
		require.Error(t, err)
	})
}
