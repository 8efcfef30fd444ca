// Package storage provides the namespaced record storage shared by the
// certificate repository (server side) and the client local store.
//
// Records are addressed by (namespace, recordType, recordID). A namespace is
// the unit of exclusivity: Batch runs its function with every other writer
// of the same namespace excluded, which is what makes conditional
// multi-record updates (delete one record and create another) atomic.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record (or its namespace) does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	// A PutCAS with expectedVersion 0 fails this way when the record exists.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is a stored value together with its write version.
type Record struct {
	Payload   []byte    `json:"payload"`
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord returns a version 1 record holding a copy of payload.
func NewRecord(payload []byte) *Record {
	return &Record{
		Payload:   append([]byte(nil), payload...),
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Payload:   append([]byte(nil), r.Payload...),
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
	}
}

// BatchTx provides reads and writes within an atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType, recordID string) (*Record, error)
	Put(recordType, recordID string, rec *Record) error
	PutCAS(recordType, recordID string, expectedVersion uint64, rec *Record) error
	Delete(recordType, recordID string) error
}

// Repository defines the interface for record storage.
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, rec *Record) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Record, error)
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, rec *Record) error

	// Batch executes fn atomically. If fn returns an error no write made
	// through tx is visible. Batches on the same namespace never interleave.
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}
