package pki

import (
	"crypto/x509"
	"fmt"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// BuildPKCS12 bundles a certificate, its PKCS#8 PEM private key and the CA
// certificate into a PKCS#12 file protected by password. An empty password
// is accepted and produces a bundle protected by the empty password.
func BuildPKCS12(certDER, keyPEM, caCertDER []byte, password string) ([]byte, error) {
	cert, err := ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("building PKCS#12: certificate: %w", err)
	}
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("building PKCS#12: key: %w", err)
	}
	if err := ValidateKeyMatchesCert(cert, key); err != nil {
		return nil, fmt.Errorf("building PKCS#12: %w", err)
	}

	var caCerts []*x509.Certificate
	if len(caCertDER) > 0 {
		caCert, err := ParseCertificate(caCertDER)
		if err != nil {
			return nil, fmt.Errorf("building PKCS#12: CA certificate: %w", err)
		}
		caCerts = append(caCerts, caCert)
	}

	bundle, err := pkcs12.Modern.Encode(key, cert, caCerts, password)
	if err != nil {
		return nil, fmt.Errorf("building PKCS#12: %w", err)
	}
	return bundle, nil
}

// DecodePKCS12 is the inverse of BuildPKCS12. It returns the certificate
// DER, the private key as PKCS#8 PEM and the DER of any CA certificates.
func DecodePKCS12(bundle []byte, password string) (certDER, keyPEM []byte, caCertsDER [][]byte, err error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(bundle, password)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: PKCS#12: %v", ErrInvalidPEM, err)
	}
	keyPEM, err = EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, c := range caCerts {
		caCertsDER = append(caCertsDER, c.Raw)
	}
	return cert.Raw, keyPEM, caCertsDER, nil
}
