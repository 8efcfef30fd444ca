package client

import (
	"crypto/x509"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/pkidesk/certerr"
	"github.com/jmcleod/pkidesk/pki"
)

// CA is CA material imported into a session. The private key is kept
// encrypted in memory and is never written to the local store.
type CA struct {
	Name        string
	Certificate *x509.Certificate
	key         *memguard.Enclave
}

// Signer decrypts the CA key and returns material ready for signing.
func (c *CA) Signer() (*pki.CA, error) {
	buf, err := c.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening CA key: %w", err)
	}
	defer buf.Destroy()

	key, err := pki.ParsePrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("CA key: %w", err)
	}
	return &pki.CA{Name: c.Name, Certificate: c.Certificate, Key: key}, nil
}

// ImportCA validates a CA certificate and its private key, given in either
// order, and makes them the session's CA material. Nothing changes when
// validation fails.
func (s *Session) ImportCA(a, b []byte) (*CA, error) {
	material, err := pki.ParseCAMaterial(a, b)
	if err != nil {
		return nil, fmt.Errorf("import CA: %w", err)
	}
	keyPEM, err := pki.EncodePrivateKeyPEM(material.Key)
	if err != nil {
		return nil, fmt.Errorf("import CA: %w", err)
	}

	ca := &CA{
		Name:        material.Name,
		Certificate: material.Certificate,
		key:         memguard.NewEnclave(keyPEM),
	}
	if s.ca != nil && s.ca.Name != ca.Name {
		s.logger.Info().Str("replaced", s.ca.Name).Str("ca", ca.Name).Msg("replaced CA material")
	}
	s.ca = ca
	s.logger.Debug().Str("ca", ca.Name).Msg("imported CA")
	return ca, nil
}

// CA returns the imported CA material.
func (s *Session) CA() (*CA, error) {
	if s.ca == nil {
		return nil, fmt.Errorf("CA material: %w", certerr.ErrUnavailable)
	}
	return s.ca, nil
}

// SigningCA returns the imported CA material ready for signing, or an
// error wrapping certerr.ErrUnavailable when none is imported.
func (s *Session) SigningCA() (*pki.CA, error) {
	ca, err := s.CA()
	if err != nil {
		return nil, err
	}
	return ca.Signer()
}
