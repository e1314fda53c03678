package sites

import (
	"crypto/tls"
	"fmt"

	"github.com/slok/flowgate/internal/model"
)

// LoadCertificate parses a PEM certificate and PEM private key pair and
// verifies they belong together. The returned certificate is meant to be
// loaded once and shared by reference from the site table.
func LoadCertificate(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate key pair: %w: %w", model.ErrCertLoad, err)
	}

	return &cert, nil
}
