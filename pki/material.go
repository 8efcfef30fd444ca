package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeCSR         = "CERTIFICATE REQUEST"
	pemTypePrivateKey  = "PRIVATE KEY"
)

// decodeBlock returns the DER bytes of the first PEM block of data, or data
// itself when it is not PEM.
func decodeBlock(data []byte) (der []byte, pemType string) {
	block, _ := pem.Decode(data)
	if block == nil {
		return data, ""
	}
	return block.Bytes, block.Type
}

// ParseCertificate parses a PEM or DER certificate.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	der, typ := decodeBlock(data)
	if typ != "" && typ != pemTypeCertificate {
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, typ)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// ParseCSR parses a PEM or DER certificate request and checks its
// self-signature.
func ParseCSR(data []byte) (*x509.CertificateRequest, error) {
	der, typ := decodeBlock(data)
	if typ != "" && typ != pemTypeCSR {
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, typ)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: CSR signature: %v", ErrInvalidPEM, err)
	}
	return csr, nil
}

// ParsePrivateKey parses a PKCS#8, SEC1 EC or PKCS#1 RSA private key given
// as PEM or DER.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	der, _ := decodeBlock(data)

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidPEM, key)
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: not a private key", ErrInvalidPEM)
}

// EncodePrivateKeyPEM encodes key as PKCS#8 "PRIVATE KEY" PEM.
func EncodePrivateKeyPEM(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
}

// EncodeCertificatePEM wraps certificate DER in a "CERTIFICATE" PEM block.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der})
}

// publicKeyEqualer is implemented by every public key type in the standard
// library.
type publicKeyEqualer interface {
	Equal(x crypto.PublicKey) bool
}

// ValidateKeyMatchesCert returns ErrKeyMismatch unless key is the private
// counterpart of the public key embedded in cert.
func ValidateKeyMatchesCert(cert *x509.Certificate, key crypto.Signer) error {
	pub, ok := key.Public().(publicKeyEqualer)
	if !ok {
		return fmt.Errorf("%w: unsupported key type %T", ErrInvalidPEM, key)
	}
	if !pub.Equal(cert.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}

// PublicKeysEqual reports whether a and b are the same public key.
func PublicKeysEqual(a, b crypto.PublicKey) bool {
	pa, ok := a.(publicKeyEqualer)
	return ok && pa.Equal(b)
}

// CA is validated signing material: a CA certificate and its private key.
type CA struct {
	Name        string
	Certificate *x509.Certificate
	Key         crypto.Signer
}

// ParseCAMaterial parses a CA certificate and its private key from two
// files given in either order, PEM or DER. The key must match the
// certificate; a mismatch is reported as ErrKeyMismatch, not as a parse
// failure.
func ParseCAMaterial(a, b []byte) (*CA, error) {
	certData, keyData := a, b
	cert, err := ParseCertificate(certData)
	if err != nil {
		certData, keyData = b, a
		if cert, err = ParseCertificate(certData); err != nil {
			return nil, fmt.Errorf("CA material: no certificate found: %w", err)
		}
	}
	key, err := ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("CA material: %w", err)
	}
	if err := ValidateKeyMatchesCert(cert, key); err != nil {
		return nil, fmt.Errorf("CA material: %w", err)
	}
	return &CA{
		Name:        caName(cert),
		Certificate: cert,
		Key:         key,
	}, nil
}

func caName(cert *x509.Certificate) string {
	if cert.Subject.CommonName != "" {
		return cert.Subject.CommonName
	}
	return subjectString(cert.Subject)
}
