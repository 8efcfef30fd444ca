package pki

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// Certificate status values.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// CertInfo is the human-facing summary of a certificate.
type CertInfo struct {
	Subject           string    `json:"subject"`
	Issuer            string    `json:"issuer"`
	SerialNumber      string    `json:"serial_number"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	DNSNames          []string  `json:"dns_names,omitempty"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	Fingerprint       string    `json:"fingerprint"`
	KeyAlgorithm      string    `json:"key_algorithm"`
	IsCA              bool      `json:"is_ca"`
	Status            string    `json:"status"`
}

// Describe parses a PEM or DER certificate and summarizes it.
func Describe(data []byte) (*CertInfo, error) {
	cert, err := ParseCertificate(data)
	if err != nil {
		return nil, err
	}
	return describeCertificate(cert, time.Now()), nil
}

func describeCertificate(cert *x509.Certificate, now time.Time) *CertInfo {
	sum := sha256.Sum256(cert.Raw)
	return &CertInfo{
		Subject:           subjectString(cert.Subject),
		Issuer:            subjectString(cert.Issuer),
		SerialNumber:      hex.EncodeToString(cert.SerialNumber.Bytes()),
		NotBefore:         cert.NotBefore.UTC(),
		NotAfter:          cert.NotAfter.UTC(),
		DNSNames:          cert.DNSNames,
		FingerprintSHA256: hex.EncodeToString(sum[:]),
		Fingerprint:       base58.Encode(sum[:]),
		KeyAlgorithm:      keyAlgorithmString(cert),
		IsCA:              cert.IsCA,
		Status:            certStatus(cert, now),
	}
}

// Fingerprint returns the base58 SHA-256 fingerprint of der, as shown in
// listings.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return base58.Encode(sum[:])
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

func certStatus(cert *x509.Certificate, now time.Time) string {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return StatusExpired
	}
	return StatusActive
}

func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name)
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", pub.N.BitLen())
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}
