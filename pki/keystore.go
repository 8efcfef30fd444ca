package pki

import (
	"crypto"
	"fmt"

	"github.com/jmcleod/pkidesk/certerr"
)

// KeyStore abstracts private-key generation and custody so the engine can
// build CSRs without knowing where key material lives.
//
// A KeyID uniquely identifies a key managed by the store; its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque identifier.
	GenerateKey() (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key as PKCS#8 "PRIVATE KEY" PEM.
	ExportPEM(keyID string) ([]byte, error)

	// ImportPEM loads a PEM or DER private key into the store and returns
	// its key ID.
	ImportPEM(data []byte) (keyID string, err error)

	// Delete removes the key identified by keyID from the store.
	Delete(keyID string) error
}

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = fmt.Errorf("key %w", certerr.ErrNotFound)
