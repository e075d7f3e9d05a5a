package mqttclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSIdentity is the client certificate and trust roots a device presents
// to brokers that require mutual TLS.
type TLSIdentity struct {
	// CertFile and KeyFile hold the PEM encoded client certificate and key.
	CertFile string
	KeyFile  string

	// CAFile holds PEM encoded roots that replace the system pool.
	CAFile string
}

// Empty reports whether no file is configured.
func (id TLSIdentity) Empty() bool {
	return id.CertFile == "" && id.KeyFile == "" && id.CAFile == ""
}

// Apply loads the files into cfg.
func (id TLSIdentity) Apply(cfg *tls.Config) error {
	if (id.CertFile == "") != (id.KeyFile == "") {
		return errors.New("client certificate and key must be set together")
	}

	if id.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(id.CertFile, id.KeyFile)
		if err != nil {
			return fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if id.CAFile != "" {
		data, err := os.ReadFile(id.CAFile)
		if err != nil {
			return fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return fmt.Errorf("no certificates in %s", id.CAFile)
		}
		cfg.RootCAs = pool
	}

	return nil
}

// CommonName returns the subject common name of the client certificate.
// Many device fleets register the common name as the client identifier.
// Returns an empty string when no certificate is configured.
func (id TLSIdentity) CommonName() (string, error) {
	if id.CertFile == "" {
		return "", nil
	}

	cert, err := tls.LoadX509KeyPair(id.CertFile, id.KeyFile)
	if err != nil {
		return "", fmt.Errorf("load client certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return "", fmt.Errorf("parse client certificate: %w", err)
	}

	return leaf.Subject.CommonName, nil
}
