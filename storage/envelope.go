package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/pkidesk/internal/util"
)

// Envelope is a sealed value containing AES-256-GCM encrypted data. The local
// store wraps private keys in envelopes before handing them to a Repository.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

const envelopeScheme = "aes256gcm"

// SealRecord encrypts plaintext into an Envelope using the given key and AAD.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, key, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext.
	return &Envelope{
		Ver:        1,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:12],
		Ciphertext: sealed[12:],
	}, nil
}

// OpenRecord decrypts an Envelope using the given key and AAD.
func OpenRecord(key []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	full := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(full, envelope.Nonce)
	copy(full[len(envelope.Nonce):], envelope.Ciphertext)

	return util.DecryptAESWithAAD(full, key, aad)
}

// MarshalEnvelope encodes an envelope for storage as a Record payload.
func MarshalEnvelope(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

// UnmarshalEnvelope decodes a payload written by MarshalEnvelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Ver == 0 {
		return nil, fmt.Errorf("decoding envelope: missing version")
	}
	return &env, nil
}
