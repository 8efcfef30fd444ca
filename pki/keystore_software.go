package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// SoftwareKeyStore holds private keys in memory. Keys are identified by an
// opaque string generated at creation time.
//
// Keys in this store are ephemeral; the caller is responsible for
// persisting them via ExportPEM/ImportPEM.
type SoftwareKeyStore struct {
	mu    sync.Mutex
	keys  map[string]crypto.Signer
	curve elliptic.Curve
	rand  io.Reader
	seq   int
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore generating ECDSA P-256 keys.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return newSoftwareKeyStore(elliptic.P256())
}

func newSoftwareKeyStore(curve elliptic.Curve) *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys:  make(map[string]crypto.Signer),
		curve: curve,
		rand:  rand.Reader,
	}
}

func (s *SoftwareKeyStore) store(key crypto.Signer) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = key
	return id
}

// GenerateKey creates a new ECDSA key pair on the store's curve.
func (s *SoftwareKeyStore) GenerateKey() (string, error) {
	priv, err := ecdsa.GenerateKey(s.curve, s.rand)
	if err != nil {
		return "", fmt.Errorf("generating ECDSA %s key: %w", s.curve.Params().Name, err)
	}
	return s.store(priv), nil
}

func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// ExportPEM encodes the private key as PKCS#8 "PRIVATE KEY" PEM.
func (s *SoftwareKeyStore) ExportPEM(keyID string) ([]byte, error) {
	key, err := s.Signer(keyID)
	if err != nil {
		return nil, err
	}
	return EncodePrivateKeyPEM(key)
}

// ImportPEM accepts PKCS#8, SEC1 EC or PKCS#1 RSA keys, PEM or DER.
func (s *SoftwareKeyStore) ImportPEM(data []byte) (string, error) {
	key, err := ParsePrivateKey(data)
	if err != nil {
		return "", err
	}
	return s.store(key), nil
}

func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
