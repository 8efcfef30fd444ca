package client_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pkidesk/certerr"
	"github.com/jmcleod/pkidesk/certrepo"
	"github.com/jmcleod/pkidesk/client"
	"github.com/jmcleod/pkidesk/localstore"
	"github.com/jmcleod/pkidesk/pki"
	"github.com/jmcleod/pkidesk/storage/memory"
)

// flakyRemote fails SubmitCSR while failing is set.
type flakyRemote struct {
	certrepo.Repository
	failing bool
	calls   int
}

func (r *flakyRemote) SubmitCSR(ctx context.Context, name string, csrDER []byte) error {
	r.calls++
	if r.failing {
		return fmt.Errorf("connection reset: %w", certerr.ErrTransport)
	}
	return r.Repository.SubmitCSR(ctx, name, csrDER)
}

// flakyStore fails Set for the named key.
type flakyStore struct {
	localstore.Store
	failSet string
}

func (s *flakyStore) Set(ctx context.Context, name string, value []byte) error {
	if name == s.failSet {
		return fmt.Errorf("disk full: %w", certerr.ErrTransport)
	}
	return s.Store.Set(ctx, name, value)
}

type env struct {
	store  localstore.Store
	repo   *certrepo.Service
	remote *flakyRemote
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := localstore.New(memory.NewRepository(), "client")
	require.NoError(t, err)
	repo := certrepo.NewService(memory.NewRepository())
	return &env{store: store, repo: repo, remote: &flakyRemote{Repository: repo}}
}

func (e *env) open(t *testing.T) *client.Session {
	t.Helper()
	s, err := client.Open(context.Background(), e.store, e.remote, nil, client.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestCreateCSR(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.open(t)
	assert.Equal(t, client.Idle, s.State())
	assert.Nil(t, s.Pending())

	req, err := s.CreateCSR(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", req.Name)
	assert.Equal(t, client.HasLocalCSR, s.State())
	assert.Equal(t, []string{"alice"}, s.KeyNames())

	csr, err := pki.ParseCSR(req.CSR)
	require.NoError(t, err)
	keyPEM, err := s.Key("alice")
	require.NoError(t, err)
	key, err := pki.ParsePrivateKey(keyPEM)
	require.NoError(t, err)
	assert.True(t, pki.PublicKeysEqual(csr.PublicKey, key.Public()))

	reopened := e.open(t)
	assert.Equal(t, client.HasLocalCSR, reopened.State())
	assert.Equal(t, req, reopened.Pending())
	assert.Equal(t, []string{"alice"}, reopened.KeyNames())
}

func TestCreateCSRRejectsBadName(t *testing.T) {
	s := newEnv(t).open(t)
	for _, name := range []string{"", "-lead", "has space", "a/b"} {
		_, err := s.CreateCSR(context.Background(), name)
		assert.ErrorIs(t, err, certerr.ErrInvalid, name)
	}
	assert.Equal(t, client.Idle, s.State())
	assert.Empty(t, s.KeyNames())
}

func TestCreateCSRReplacesUnsentRequest(t *testing.T) {
	ctx := context.Background()
	s := newEnv(t).open(t)

	_, err := s.CreateCSR(ctx, "first")
	require.NoError(t, err)
	_, err = s.CreateCSR(ctx, "second")
	require.NoError(t, err)

	assert.Equal(t, "second", s.Pending().Name)
	assert.Equal(t, []string{"first", "second"}, s.KeyNames())
}

func TestSubmitClearsSlotAndKeepsKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.open(t)

	req, err := s.CreateCSR(ctx, "alice")
	require.NoError(t, err)
	name, err := s.SubmitCurrentCSR(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
	assert.Equal(t, client.Idle, s.State())

	_, err = s.Key("alice")
	require.NoError(t, err)

	pending, err := e.repo.ListPendingCSRs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, pending)
	stored, err := e.repo.GetCSR(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, req.CSR, stored)

	_, err = e.store.Get(ctx, "request")
	assert.ErrorIs(t, err, certerr.ErrNotFound)
	assert.Equal(t, client.Idle, e.open(t).State())
}

func TestSubmitFailureKeepsSlot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.open(t)

	req, err := s.CreateCSR(ctx, "alice")
	require.NoError(t, err)

	e.remote.failing = true
	_, err = s.SubmitCurrentCSR(ctx)
	assert.ErrorIs(t, err, certerr.ErrTransport)
	assert.Contains(t, err.Error(), "submit CSR alice")
	assert.Equal(t, client.HasLocalCSR, s.State())
	assert.Equal(t, req, s.Pending())

	e.remote.failing = false
	_, err = s.SubmitCurrentCSR(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, e.remote.calls)

	stored, err := e.repo.GetCSR(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, req.CSR, stored)
}

func TestSubmitConflictKeepsSlot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.open(t)

	_, otherCSR, err := pki.NewEngine(nil).GenerateKeyPairAndCSR("alice")
	require.NoError(t, err)
	require.NoError(t, e.repo.SubmitCSR(ctx, "alice", otherCSR))

	_, err = s.CreateCSR(ctx, "alice")
	require.NoError(t, err)
	_, err = s.SubmitCurrentCSR(ctx)
	assert.ErrorIs(t, err, certerr.ErrConflict)
	assert.Equal(t, client.HasLocalCSR, s.State())

	stored, err := e.repo.GetCSR(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, otherCSR, stored)
}

func TestSubmitWithoutCSR(t *testing.T) {
	s := newEnv(t).open(t)
	_, err := s.SubmitCurrentCSR(context.Background())
	assert.ErrorIs(t, err, certerr.ErrUnavailable)
}

func TestDiscardCurrentCSR(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.open(t)

	_, err := s.CreateCSR(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, s.DiscardCurrentCSR(ctx))
	assert.Equal(t, client.Idle, s.State())
	assert.Equal(t, []string{"alice"}, s.KeyNames())
	assert.Equal(t, client.Idle, e.open(t).State())
}

func TestCreateCSRRequestWriteFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store = &flakyStore{Store: e.store, failSet: "request"}
	s := e.open(t)

	_, err := s.CreateCSR(ctx, "alice")
	assert.ErrorIs(t, err, certerr.ErrTransport)
	assert.Equal(t, client.Idle, s.State())

	// The key was written first and survives.
	_, err = s.Key("alice")
	assert.NoError(t, err)
}

func TestOpenDropsRequestWithoutKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	data, err := json.Marshal(client.Request{Name: "ghost", CSR: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.NoError(t, e.store.Set(ctx, "request", data))

	s := e.open(t)
	assert.Equal(t, client.Idle, s.State())
	_, err = e.store.Get(ctx, "request")
	assert.ErrorIs(t, err, certerr.ErrNotFound)
}

func TestKeyNotFound(t *testing.T) {
	s := newEnv(t).open(t)
	_, err := s.Key("nobody")
	assert.ErrorIs(t, err, certerr.ErrNotFound)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", client.Idle.String())
	assert.Equal(t, "has-local-csr", client.HasLocalCSR.String())
}
