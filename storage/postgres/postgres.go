// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (namespace, record_type,
// record_id) that mirrors the key space of the BBolt and in-memory backends.
// Batch takes a transaction-scoped advisory lock on the namespace so that
// batches on the same namespace never interleave.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/pkidesk/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromConfig creates a connection pool, ensures the schema
// exists, and returns a new Repository.
func NewRepositoryFromConfig(ctx context.Context, cfg *PoolConfig) (*Store, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, rec *storage.Record) error {
	return putRecord(ctx, s.pool, namespace, recordType, recordID, rec)
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Record, error) {
	return getRecord(ctx, s.pool, namespace, recordType, recordID, false)
}

// List returns the record IDs of recordType in namespace, ordered by ID.
func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records WHERE namespace = $1 AND record_type = $2 ORDER BY record_id`,
		namespace, recordType)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, mapPostgresError(rows.Err())
}

func (s *Store) Delete(ctx context.Context, namespace, recordType, recordID string) error {
	return deleteRecord(ctx, s.pool, namespace, recordType, recordID)
}

func (s *Store) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, namespace, recordType, recordID, expectedVersion, rec); err != nil {
		return err
	}
	return mapPostgresError(tx.Commit(ctx))
}

// Batch runs fn in a single transaction holding the namespace's advisory
// lock. The lock is released when the transaction ends.
func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPostgresError(err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if _, err := pgTx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, namespace); err != nil {
		return mapPostgresError(err)
	}

	btx := &pgBatchTx{ctx: ctx, tx: pgTx, namespace: namespace}
	if err := fn(btx); err != nil {
		return err
	}
	return mapPostgresError(pgTx.Commit(ctx))
}

type pgBatchTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getRecord(btx.ctx, btx.tx, btx.namespace, recordType, recordID, false)
}

func (btx *pgBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return putRecord(btx.ctx, btx.tx, btx.namespace, recordType, recordID, rec)
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInTx(btx.ctx, btx.tx, btx.namespace, recordType, recordID, expectedVersion, rec)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	return deleteRecord(btx.ctx, btx.tx, btx.namespace, recordType, recordID)
}

func putRecord(ctx context.Context, q querier, namespace, recordType, recordID string, rec *storage.Record) error {
	_, err := q.Exec(ctx,
		`INSERT INTO records (namespace, record_type, record_id, payload, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (namespace, record_type, record_id)
		 DO UPDATE SET payload = $4, version = $5, created_at = $6`,
		namespace, recordType, recordID, rec.Payload, int64(rec.Version), rec.CreatedAt)
	return mapPostgresError(err)
}

func getRecord(ctx context.Context, q querier, namespace, recordType, recordID string, forUpdate bool) (*storage.Record, error) {
	query := `SELECT payload, version, created_at FROM records
		 WHERE namespace = $1 AND record_type = $2 AND record_id = $3`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		rec     storage.Record
		version int64
	)
	err := q.QueryRow(ctx, query, namespace, recordType, recordID).Scan(&rec.Payload, &version, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, mapPostgresError(err)
	}
	rec.Version = uint64(version)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func deleteRecord(ctx context.Context, q querier, namespace, recordType, recordID string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`,
		namespace, recordType, recordID)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// expectedVersion 0 means create-if-absent; a racing insert surfaces as a
// unique violation, which mapPostgresError turns into ErrCASFailed.
func putCASInTx(ctx context.Context, tx pgx.Tx, namespace, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	if expectedVersion == 0 {
		tag, err := tx.Exec(ctx,
			`INSERT INTO records (namespace, record_type, record_id, payload, version, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (namespace, record_type, record_id) DO NOTHING`,
			namespace, recordType, recordID, rec.Payload, int64(rec.Version), rec.CreatedAt)
		if err != nil {
			return mapPostgresError(err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}

	current, err := getRecord(ctx, tx, namespace, recordType, recordID, true)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ErrCASFailed
	}
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET payload = $4, version = $5, created_at = $6
		 WHERE namespace = $1 AND record_type = $2 AND record_id = $3`,
		namespace, recordType, recordID, rec.Payload, int64(rec.Version), rec.CreatedAt)
	return mapPostgresError(err)
}
