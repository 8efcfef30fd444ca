// Package localstore is the client's durable key-value store. Values are
// scoped to one client identity and survive process restarts. There are no
// transactions across keys: callers order their writes so that a partial
// failure leaves a state they can repair.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmcleod/pkidesk/certerr"
	"github.com/jmcleod/pkidesk/internal/util"
	"github.com/jmcleod/pkidesk/internal/uuid"
	"github.com/jmcleod/pkidesk/storage"
)

const (
	recordValue = "value"
	recordMeta  = "meta"

	metaSalt     = "salt"
	metaCheck    = "check"
	metaIdentity = "identity"

	// identityNamespace holds state shared by every identity in one file.
	identityNamespace = "_local"

	checkPlaintext = "pkidesk-localstore"
	saltSize       = 16
)

// ErrWrongPassphrase is returned when a sealed store is opened with a
// passphrase other than the one it was created with.
var ErrWrongPassphrase = fmt.Errorf("wrong local store passphrase: %w", certerr.ErrInvalid)

// Store is the local store capability.
type Store interface {
	// Get returns the value stored under name, or an error wrapping
	// certerr.ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	Set(ctx context.Context, name string, value []byte) error
	// Delete removes name. Deleting a missing name is not an error.
	Delete(ctx context.Context, name string) error
	// Keys returns the sorted names starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Repo implements Store over a storage.Repository, using the client
// identity as the storage namespace.
type Repo struct {
	store     storage.Repository
	namespace string
	sealKey   []byte
}

var _ Store = (*Repo)(nil)

// New returns a plaintext store for identity.
func New(store storage.Repository, identity string) (*Repo, error) {
	if identity == "" || strings.HasPrefix(identity, "_") {
		return nil, fmt.Errorf("local store identity %q: %w", identity, certerr.ErrInvalid)
	}
	return &Repo{store: store, namespace: identity}, nil
}

// NewSealed returns a store for identity whose values are encrypted with a
// key derived from passphrase. The salt is created on first use, and a
// check value detects a wrong passphrase on later opens.
func NewSealed(ctx context.Context, store storage.Repository, identity, passphrase string, params util.Argon2idParams) (*Repo, error) {
	r, err := New(store, identity)
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		return nil, fmt.Errorf("local store passphrase is empty: %w", certerr.ErrInvalid)
	}

	salt, err := r.loadOrCreate(ctx, metaSalt, func() ([]byte, error) {
		return util.RandomBytes(saltSize)
	})
	if err != nil {
		return nil, err
	}

	key, err := util.DeriveArgon2idKey(util.Normalize(passphrase), salt, params)
	if err != nil {
		return nil, fmt.Errorf("deriving local store key: %w", err)
	}
	r.sealKey = key

	check, err := r.loadOrCreate(ctx, metaCheck, func() ([]byte, error) {
		return r.seal(metaCheck, []byte(checkPlaintext))
	})
	if err != nil {
		return nil, err
	}
	plain, err := r.open(metaCheck, check)
	if err != nil || string(plain) != checkPlaintext {
		util.WipeBytes(r.sealKey)
		return nil, ErrWrongPassphrase
	}
	return r, nil
}

// loadOrCreate returns the meta record id, creating it with mk when absent.
// Concurrent creators agree on the first value written.
func (r *Repo) loadOrCreate(ctx context.Context, id string, mk func() ([]byte, error)) ([]byte, error) {
	rec, err := r.store.Get(ctx, r.namespace, recordMeta, id)
	if err == nil {
		return rec.Payload, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, transport("reading "+id, err)
	}

	value, err := mk()
	if err != nil {
		return nil, err
	}
	err = r.store.PutCAS(ctx, r.namespace, recordMeta, id, 0, storage.NewRecord(value))
	if errors.Is(err, storage.ErrCASFailed) {
		return r.loadOrCreate(ctx, id, mk)
	}
	if err != nil {
		return nil, transport("writing "+id, err)
	}
	return value, nil
}

func (r *Repo) aad(name string) []byte {
	return []byte(r.namespace + "/" + name)
}

func (r *Repo) seal(name string, value []byte) ([]byte, error) {
	if r.sealKey == nil {
		return value, nil
	}
	env, err := storage.SealRecord(r.sealKey, value, r.aad(name))
	if err != nil {
		return nil, fmt.Errorf("sealing %q: %w", name, err)
	}
	return storage.MarshalEnvelope(env)
}

func (r *Repo) open(name string, payload []byte) ([]byte, error) {
	if r.sealKey == nil {
		return payload, nil
	}
	env, err := storage.UnmarshalEnvelope(payload)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w: %w", name, certerr.ErrInvalid, err)
	}
	plain, err := storage.OpenRecord(r.sealKey, env, r.aad(name))
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w: %w", name, certerr.ErrInvalid, err)
	}
	return plain, nil
}

func (r *Repo) Get(ctx context.Context, name string) ([]byte, error) {
	rec, err := r.store.Get(ctx, r.namespace, recordValue, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("local value %q: %w", name, certerr.ErrNotFound)
	}
	if err != nil {
		return nil, transport("reading "+name, err)
	}
	return r.open(name, rec.Payload)
}

func (r *Repo) Set(ctx context.Context, name string, value []byte) error {
	payload, err := r.seal(name, value)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, r.namespace, recordValue, name, storage.NewRecord(payload)); err != nil {
		return transport("writing "+name, err)
	}
	return nil
}

func (r *Repo) Delete(ctx context.Context, name string) error {
	err := r.store.Delete(ctx, r.namespace, recordValue, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return transport("deleting "+name, err)
	}
	return nil
}

func (r *Repo) Keys(ctx context.Context, prefix string) ([]string, error) {
	ids, err := r.store.List(ctx, r.namespace, recordValue)
	if err != nil {
		return nil, transport("listing", err)
	}
	keys := []string{}
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close wipes the derived key.
func (r *Repo) Close() {
	if r.sealKey != nil {
		util.WipeBytes(r.sealKey)
		r.sealKey = nil
	}
}

// Identity returns the client identity recorded in store, generating and
// saving a random one on first use.
func Identity(ctx context.Context, store storage.Repository) (string, error) {
	r := &Repo{store: store, namespace: identityNamespace}
	id, err := r.loadOrCreate(ctx, metaIdentity, func() ([]byte, error) {
		return []byte(uuid.New()), nil
	})
	if err != nil {
		return "", err
	}
	return string(id), nil
}

func transport(op string, err error) error {
	if errors.Is(err, certerr.ErrTransport) {
		return fmt.Errorf("local store %s: %w", op, err)
	}
	return fmt.Errorf("local store %s: %w: %w", op, certerr.ErrTransport, err)
}
