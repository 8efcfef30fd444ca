// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/pkidesk/storage"
)

// Store implements storage.Repository backed by a BBolt database. Each
// namespace is a top-level bucket; bbolt serializes write transactions, so
// Batch is exclusive across the whole database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(recordType, recordID string) []byte {
	return []byte(recordType + ":" + recordID)
}

func getRecord(b *bbolt.Bucket, recordType, recordID string) (*storage.Record, error) {
	data := b.Get(recordKey(recordType, recordID))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", recordType, recordID, err)
	}
	return &rec, nil
}

func putRecord(b *bbolt.Bucket, recordType, recordID string, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(recordKey(recordType, recordID), data)
}

func deleteRecord(b *bbolt.Bucket, recordType, recordID string) error {
	key := recordKey(recordType, recordID)
	if b.Get(key) == nil {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return b.Delete(key)
}

func putCASInBucket(b *bbolt.Bucket, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existing := b.Get(recordKey(recordType, recordID))

	if expectedVersion == 0 {
		if existing != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existing == nil {
			return storage.ErrCASFailed
		}
		var current storage.Record
		if err := json.Unmarshal(existing, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return putRecord(b, recordType, recordID, rec)
}

func (s *Store) Put(_ context.Context, namespace, recordType, recordID string, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return putRecord(b, recordType, recordID, rec)
	})
}

func (s *Store) Get(_ context.Context, namespace, recordType, recordID string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("%s: %w", namespace, storage.ErrNotFound)
		}
		var err error
		rec, err = getRecord(b, recordType, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Delete(_ context.Context, namespace, recordType, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("%s: %w", namespace, storage.ErrNotFound)
		}
		return deleteRecord(b, recordType, recordID)
	})
}

// List returns the record IDs of recordType in key order.
func (s *Store) List(_ context.Context, namespace, recordType string) ([]string, error) {
	var ids []string
	prefix := []byte(recordType + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *Store) PutCAS(_ context.Context, namespace, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return putCASInBucket(b, recordType, recordID, expectedVersion, rec)
	})
}

type boltBatchTx struct {
	bucket *bbolt.Bucket
}

func (tx *boltBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getRecord(tx.bucket, recordType, recordID)
}

func (tx *boltBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return putRecord(tx.bucket, recordType, recordID, rec)
}

func (tx *boltBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInBucket(tx.bucket, recordType, recordID, expectedVersion, rec)
}

func (tx *boltBatchTx) Delete(recordType, recordID string) error {
	return deleteRecord(tx.bucket, recordType, recordID)
}

// Batch runs fn inside a single bbolt read-write transaction. Returning an
// error from fn rolls the transaction back.
func (s *Store) Batch(_ context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return fn(&boltBatchTx{bucket: b})
	})
}
