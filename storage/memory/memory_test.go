package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jmcleod/pkidesk/storage"
)

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	namespace := "repository"
	recordType := "csr"
	recordID := "alice"
	rec := storage.NewRecord([]byte("payload"))

	t.Run("PutAndGet", func(t *testing.T) {
		err := repo.Put(ctx, namespace, recordType, recordID, rec)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := repo.Get(ctx, namespace, recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got.Payload, rec.Payload) || got.Version != rec.Version {
			t.Errorf("Get returned wrong record: %+v", got)
		}

		// Test isolation (cloning)
		got.Payload[0] = 'X'
		got2, _ := repo.Get(ctx, namespace, recordType, recordID)
		if got2.Payload[0] == 'X' {
			t.Error("Memory repository should return clones of records")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "nonexistent", recordType, recordID)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for nonexistent namespace, got %v", err)
		}

		_, err = repo.Get(ctx, namespace, recordType, "nonexistent")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for nonexistent record, got %v", err)
		}
	})

	t.Run("ListSorted", func(t *testing.T) {
		repo.Put(ctx, namespace, "csr", "carol", rec)
		repo.Put(ctx, namespace, "csr", "bob", rec)
		repo.Put(ctx, namespace, "certificate", "dave", rec)

		ids, err := repo.List(ctx, namespace, "csr")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		want := []string{"alice", "bob", "carol"}
		if fmt.Sprint(ids) != fmt.Sprint(want) {
			t.Errorf("expected %v, got %v", want, ids)
		}

		ids, _ = repo.List(ctx, "nonexistent", "csr")
		if len(ids) != 0 {
			t.Errorf("Expected 0 IDs for nonexistent namespace, got %d", len(ids))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(ctx, namespace, "csr", "carol"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := repo.Delete(ctx, namespace, "csr", "carol"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := NewRepository()
		rec1 := &storage.Record{Version: 1}
		rec2 := &storage.Record{Version: 2}

		// Create-only (expectedVersion = 0)
		if err := repo.PutCAS(ctx, namespace, recordType, recordID, 0, rec1); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}

		// Create-only on an existing record
		if err := repo.PutCAS(ctx, namespace, recordType, recordID, 0, rec1); err != storage.ErrCASFailed {
			t.Errorf("Expected ErrCASFailed, got %v", err)
		}

		// Version mismatch on create
		if err := repo.PutCAS(ctx, namespace, "other", "id", 1, rec1); err != storage.ErrCASFailed {
			t.Errorf("Expected ErrCASFailed, got %v", err)
		}

		// Version match update
		if err := repo.PutCAS(ctx, namespace, recordType, recordID, 1, rec2); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}

		// Version mismatch update
		if err := repo.PutCAS(ctx, namespace, recordType, recordID, 1, rec1); err != storage.ErrCASFailed {
			t.Errorf("Expected ErrCASFailed, got %v", err)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		repo := NewRepository()

		// Successful batch
		err := repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
			if err := tx.Put("csr", "id1", rec); err != nil {
				return err
			}
			return tx.PutCAS("csr", "id2", 0, rec)
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		if _, err := repo.Get(ctx, namespace, "csr", "id1"); err != nil {
			t.Error("Record id1 should exist after batch")
		}

		// Move a record between types atomically.
		err = repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
			if err := tx.Delete("csr", "id2"); err != nil {
				return err
			}
			return tx.PutCAS("certificate", "id2", 0, rec)
		})
		if err != nil {
			t.Fatalf("Batch move failed: %v", err)
		}
		if _, err := repo.Get(ctx, namespace, "csr", "id2"); !errors.Is(err, storage.ErrNotFound) {
			t.Error("csr id2 should be gone after move")
		}

		// Failing batch (rollback)
		err = repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
			tx.Put("csr", "id3", rec)
			tx.Delete("csr", "id1")
			return fmt.Errorf("simulated error")
		})
		if err == nil {
			t.Error("Expected error from Batch, got nil")
		}
		if _, err := repo.Get(ctx, namespace, "csr", "id3"); err == nil {
			t.Error("Record id3 should NOT exist after failed batch")
		}
		if _, err := repo.Get(ctx, namespace, "csr", "id1"); err != nil {
			t.Error("Record id1 should survive a failed batch")
		}
	})
}

func TestMemoryRepository_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	const writers = 32
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.PutCAS(ctx, "repository", "csr", "bob", 0, storage.NewRecord([]byte{byte(i)}))
			if err == nil {
				wins.Add(1)
			} else if err != storage.ErrCASFailed {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one successful create, got %d", wins.Load())
	}
}
