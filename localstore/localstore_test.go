package localstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pkidesk/certerr"
	"github.com/jmcleod/pkidesk/internal/util"
	"github.com/jmcleod/pkidesk/localstore"
	"github.com/jmcleod/pkidesk/storage"
	boltstore "github.com/jmcleod/pkidesk/storage/bbolt"
	"github.com/jmcleod/pkidesk/storage/memory"
)

func fastParams() util.Argon2idParams {
	return util.Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32}
}

func TestGetSetDeleteKeys(t *testing.T) {
	ctx := context.Background()
	s, err := localstore.New(memory.NewRepository(), "client-1")
	require.NoError(t, err)

	_, err = s.Get(ctx, "keys/alice")
	assert.ErrorIs(t, err, certerr.ErrNotFound)

	require.NoError(t, s.Set(ctx, "keys/bob", []byte("b")))
	require.NoError(t, s.Set(ctx, "keys/alice", []byte("a")))
	require.NoError(t, s.Set(ctx, "request", []byte("r")))

	v, err := s.Get(ctx, "keys/alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)

	keys, err := s.Keys(ctx, "keys/")
	require.NoError(t, err)
	assert.Equal(t, []string{"keys/alice", "keys/bob"}, keys)

	require.NoError(t, s.Delete(ctx, "keys/alice"))
	require.NoError(t, s.Delete(ctx, "keys/alice"))
	_, err = s.Get(ctx, "keys/alice")
	assert.ErrorIs(t, err, certerr.ErrNotFound)
}

func TestIdentitiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewRepository()
	a, err := localstore.New(backend, "a")
	require.NoError(t, err)
	b, err := localstore.New(backend, "b")
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, "request", []byte("mine")))
	_, err = b.Get(ctx, "request")
	assert.ErrorIs(t, err, certerr.ErrNotFound)
}

func TestNewRejectsReservedIdentity(t *testing.T) {
	_, err := localstore.New(memory.NewRepository(), "")
	assert.ErrorIs(t, err, certerr.ErrInvalid)
	_, err = localstore.New(memory.NewRepository(), "_local")
	assert.ErrorIs(t, err, certerr.ErrInvalid)
}

func TestSealedStore(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewRepository()

	s, err := localstore.NewSealed(ctx, backend, "c", "correct horse", fastParams())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "keys/alice", []byte("private")))

	rec, err := backend.Get(ctx, "c", "value", "keys/alice")
	require.NoError(t, err)
	assert.NotContains(t, string(rec.Payload), "private")
	_, err = storage.UnmarshalEnvelope(rec.Payload)
	require.NoError(t, err)

	reopened, err := localstore.NewSealed(ctx, backend, "c", "correct horse", fastParams())
	require.NoError(t, err)
	v, err := reopened.Get(ctx, "keys/alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("private"), v)

	_, err = localstore.NewSealed(ctx, backend, "c", "wrong", fastParams())
	assert.ErrorIs(t, err, localstore.ErrWrongPassphrase)
	assert.ErrorIs(t, err, certerr.ErrInvalid)
}

func TestSealedStoreRejectsEmptyPassphrase(t *testing.T) {
	_, err := localstore.NewSealed(context.Background(), memory.NewRepository(), "c", "", fastParams())
	assert.ErrorIs(t, err, certerr.ErrInvalid)
}

func TestSealedValueIsBoundToName(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewRepository()
	s, err := localstore.NewSealed(ctx, backend, "c", "pw", fastParams())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "keys/alice", []byte("private")))

	rec, err := backend.Get(ctx, "c", "value", "keys/alice")
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, "c", "value", "keys/mallory", rec))

	_, err = s.Get(ctx, "keys/mallory")
	assert.ErrorIs(t, err, certerr.ErrInvalid)
}

func TestIdentityIsStable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "client.db")

	backend, err := boltstore.NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	first, err := localstore.Identity(ctx, backend)
	require.NoError(t, err)
	assert.NotEmpty(t, first)
	require.NoError(t, backend.Close())

	backend, err = boltstore.NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer backend.Close()
	second, err := localstore.Identity(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
