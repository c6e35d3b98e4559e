package connection

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

var pemMarker = []byte("-----BEGIN")

// LoadTLSConfig builds a one-way TLS configuration: the broker certificate is
// verified against the trust store and no client certificate is presented.
//
// The trust store is either a password protected PKCS#12 file holding
// trusted certificates or a PEM bundle (password ignored).
func LoadTLSConfig(path, password string) (*tls.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust store: %w", err)
	}

	roots := x509.NewCertPool()
	if bytes.Contains(data, pemMarker) {
		if !roots.AppendCertsFromPEM(data) {
			return nil, errors.New("trust store holds no PEM certificates")
		}
	} else {
		certs, err := pkcs12.DecodeTrustStore(data, password)
		if err != nil {
			return nil, fmt.Errorf("parse trust store: %w", err)
		}
		if len(certs) == 0 {
			return nil, errors.New("trust store holds no certificates")
		}
		for _, cert := range certs {
			roots.AddCert(cert)
		}
	}

	return &tls.Config{
		RootCAs:    roots,
		MinVersion: tls.VersionTLS12,
	}, nil
}
