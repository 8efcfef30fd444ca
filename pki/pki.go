// Package pki is the crypto engine behind the certificate workflow: it
// generates key pairs and CSRs, signs CSRs with a CA, validates CA material
// and assembles PKCS#12 bundles.
//
// Wire payloads (CSRs and certificates) are DER. Private keys leave the
// engine as PKCS#8 PEM.
package pki

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/jmcleod/pkidesk/certerr"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidPEM is returned when key, certificate or CSR data cannot be
	// decoded or parsed.
	ErrInvalidPEM = fmt.Errorf("malformed key, certificate or CSR: %w", certerr.ErrInvalid)

	// ErrKeyMismatch is returned when a private key is not the counterpart
	// of a certificate's public key.
	ErrKeyMismatch = fmt.Errorf("private key does not match certificate: %w", certerr.ErrInvalid)

	// ErrInvalidName is returned for names outside [0-9A-Za-z.-] or starting
	// with '-'.
	ErrInvalidName = fmt.Errorf("invalid name: %w", certerr.ErrInvalid)
)

const (
	// LeafValidity is the lifetime of certificates issued by SignCSR.
	LeafValidity = 360 * 24 * time.Hour

	// DefaultCAValidity is the lifetime NewCA uses when none is given.
	DefaultCAValidity = 10 * 365 * 24 * time.Hour

	serialBits = 128
)

// Engine performs key generation and signing. The zero value is not usable;
// construct one with NewEngine.
type Engine struct {
	keys KeyStore
	rand io.Reader
	now  func() time.Time
}

// NewEngine returns an Engine generating leaf keys through ks. A nil ks
// selects a P-256 SoftwareKeyStore.
func NewEngine(ks KeyStore) *Engine {
	if ks == nil {
		ks = NewSoftwareKeyStore()
	}
	return &Engine{
		keys: ks,
		rand: rand.Reader,
		now:  time.Now,
	}
}

// GenerateKeyPairAndCSR creates a fresh key pair and a CSR binding its public
// key to subject (CommonName and the single DNS name). It returns the
// private key as PKCS#8 PEM and the CSR as DER.
func (e *Engine) GenerateKeyPairAndCSR(subject string) (keyPEM, csrDER []byte, err error) {
	if err := CheckName(subject); err != nil {
		return nil, nil, err
	}

	keyID, err := e.keys.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	defer e.keys.Delete(keyID) //nolint:errcheck

	signer, err := e.keys.Signer(keyID)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: subject},
		DNSNames: []string{subject},
	}
	csrDER, err = x509.CreateCertificateRequest(e.rand, template, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("creating CSR: %w", err)
	}

	keyPEM, err = e.keys.ExportPEM(keyID)
	if err != nil {
		return nil, nil, fmt.Errorf("exporting key: %w", err)
	}
	return keyPEM, csrDER, nil
}

func randomSerial(r io.Reader) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	serial, err := rand.Int(r, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}

// SignCSR signs csrDER with ca and returns the certificate DER. The CSR
// signature is checked first; the issued certificate carries a random
// 128-bit serial, a 360 day validity and server+client auth usages.
func (e *Engine) SignCSR(ca *CA, csrDER []byte) ([]byte, error) {
	if ca == nil || ca.Certificate == nil || ca.Key == nil {
		return nil, fmt.Errorf("signing CSR: CA material %w", certerr.ErrUnavailable)
	}
	csr, err := ParseCSR(csrDER)
	if err != nil {
		return nil, fmt.Errorf("signing CSR: %w", err)
	}

	serial, err := randomSerial(e.rand)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now,
		NotAfter:              now.Add(LeafValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		EmailAddresses:        csr.EmailAddresses,
	}

	der, err := x509.CreateCertificate(e.rand, template, ca.Certificate, csr.PublicKey, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("signing CSR: %w", err)
	}
	return der, nil
}

// NewCA creates a self-signed P-521 CA certificate valid for validity (or
// DefaultCAValidity when zero) that may only sign leaf certificates. It
// returns the certificate DER and the PKCS#8 PEM key.
func NewCA(commonName string, validity time.Duration) (certDER, keyPEM []byte, err error) {
	if commonName == "" {
		return nil, nil, fmt.Errorf("%w: CA common name is empty", ErrInvalidName)
	}
	if validity <= 0 {
		validity = DefaultCAValidity
	}

	ks := newSoftwareKeyStore(elliptic.P521())
	keyID, err := ks.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generating CA key: %w", err)
	}
	signer, err := ks.Signer(keyID)
	if err != nil {
		return nil, nil, err
	}

	serial, err := randomSerial(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	certDER, err = x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	keyPEM, err = ks.ExportPEM(keyID)
	if err != nil {
		return nil, nil, err
	}
	return certDER, keyPEM, nil
}
