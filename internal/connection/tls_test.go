package connection

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

func selfSignedCert(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadTLSConfig_PEM(t *testing.T) {
	cert := selfSignedCert(t)
	path := writeFile(t, "ca.pem", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))

	cfg, err := LoadTLSConfig(path, "")
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)
	assert.Nil(t, cfg.Certificates)
}

func TestLoadTLSConfig_PKCS12(t *testing.T) {
	cert := selfSignedCert(t)
	data, err := pkcs12.LegacyDES.EncodeTrustStore([]*x509.Certificate{cert}, "changeit")
	require.NoError(t, err)
	path := writeFile(t, "truststore.p12", data)

	cfg, err := LoadTLSConfig(path, "changeit")
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)

	_, err = LoadTLSConfig(path, "wrong")
	assert.Error(t, err)
}

func TestLoadTLSConfig_Errors(t *testing.T) {
	_, err := LoadTLSConfig(filepath.Join(t.TempDir(), "missing.p12"), "x")
	assert.Error(t, err)

	_, err = LoadTLSConfig(writeFile(t, "garbage.p12", []byte("not a trust store")), "x")
	assert.Error(t, err)

	_, err = LoadTLSConfig(writeFile(t, "empty.pem", []byte("-----BEGIN CERTIFICATE-----\n-----END CERTIFICATE-----\n")), "")
	assert.Error(t, err)
}

func TestIsAnonymousEndpoint(t *testing.T) {
	tests := []struct {
		uri  string
		want bool
	}{
		{"tcp://test.mosquitto.org:1883", true},
		{"ssl://broker.hivemq.com:8883", true},
		{"tcp://Broker.EMQX.io:1883", true},
		{"tcp://mqtt.eclipseprojects.io", true},
		{"tcp://demo.thingsboard.io:1883", true},
		{"tcp://demo-jamaicaedg.aicas.com:1883", false},
		{"::not a uri", false},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAnonymousEndpoint(tt.uri))
		})
	}
}
