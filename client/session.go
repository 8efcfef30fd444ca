// Package client owns the client side of the certificate lifecycle: the
// registry of locally generated private keys, the single in-flight CSR
// slot, and the CA material imported for signing.
//
// A Session moves between two states. Idle has no local CSR. CreateCSR
// moves it to HasLocalCSR, and a successful SubmitCurrentCSR moves it back
// to Idle. Every transition is persisted to the local store before the
// in-memory state changes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jmcleod/pkidesk/certerr"
	"github.com/jmcleod/pkidesk/certrepo"
	"github.com/jmcleod/pkidesk/internal/util"
	"github.com/jmcleod/pkidesk/localstore"
	"github.com/jmcleod/pkidesk/pki"
)

// Local store layout.
const (
	keyPrefix  = "keys/"
	requestKey = "request"
)

// State is the lifecycle state of a Session.
type State int

const (
	Idle State = iota
	HasLocalCSR
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case HasLocalCSR:
		return "has-local-csr"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Request is the local CSR waiting to be submitted.
type Request struct {
	Name string `json:"name"`
	CSR  []byte `json:"csr"`
}

// Session is one client's workflow state. It is not safe for concurrent
// use; callers run one operation at a time.
type Session struct {
	store  localstore.Store
	remote certrepo.Repository
	engine *pki.Engine
	logger zerolog.Logger

	keys    map[string][]byte
	pending *Request
	ca      *CA
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. The default is the global zerolog
// logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Open loads the key registry and the request slot from store. A request
// slot whose key is missing cannot be exported once issued, so it is
// dropped.
func Open(ctx context.Context, store localstore.Store, remote certrepo.Repository, engine *pki.Engine, opts ...Option) (*Session, error) {
	if engine == nil {
		engine = pki.NewEngine(nil)
	}
	s := &Session{
		store:  store,
		remote: remote,
		engine: engine,
		logger: log.Logger.With().Str("component", "client").Logger(),
		keys:   map[string][]byte{},
	}
	for _, opt := range opts {
		opt(s)
	}

	names, err := store.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	for _, k := range names {
		keyPEM, err := store.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("open session: %w", err)
		}
		s.keys[strings.TrimPrefix(k, keyPrefix)] = keyPEM
	}

	data, err := store.Get(ctx, requestKey)
	switch {
	case errors.Is(err, certerr.ErrNotFound):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("open session: %w", err)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil || req.Name == "" {
		s.logger.Warn().Err(err).Msg("discarding unreadable request slot")
		return s, s.clearRequest(ctx)
	}
	if _, ok := s.keys[req.Name]; !ok {
		s.logger.Warn().Str("name", req.Name).Msg("discarding request slot without a key")
		return s, s.clearRequest(ctx)
	}
	s.pending = &req
	return s, nil
}

// State reports whether a local CSR is waiting to be submitted.
func (s *Session) State() State {
	if s.pending != nil {
		return HasLocalCSR
	}
	return Idle
}

// Pending returns a copy of the local CSR, or nil when Idle.
func (s *Session) Pending() *Request {
	if s.pending == nil {
		return nil
	}
	return &Request{Name: s.pending.Name, CSR: util.CopyBytes(s.pending.CSR)}
}

// CreateCSR generates a key pair and CSR for subject. The key is written
// to the registry before the request slot, so a failure in between leaves
// an unused key rather than a request that can never be exported. Any
// previous unsent CSR is replaced.
func (s *Session) CreateCSR(ctx context.Context, subject string) (*Request, error) {
	if err := pki.CheckName(subject); err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}
	keyPEM, csrDER, err := s.engine.GenerateKeyPairAndCSR(subject)
	if err != nil {
		return nil, fmt.Errorf("create CSR %s: %w", subject, err)
	}

	if err := s.store.Set(ctx, keyPrefix+subject, keyPEM); err != nil {
		return nil, fmt.Errorf("create CSR %s: saving key: %w", subject, err)
	}
	s.keys[subject] = keyPEM

	req := &Request{Name: subject, CSR: csrDER}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("create CSR %s: %w", subject, err)
	}
	if err := s.store.Set(ctx, requestKey, data); err != nil {
		return nil, fmt.Errorf("create CSR %s: saving request: %w", subject, err)
	}
	if s.pending != nil && s.pending.Name != subject {
		s.logger.Info().Str("replaced", s.pending.Name).Str("name", subject).Msg("replaced unsent CSR")
	}
	s.pending = req

	s.logger.Debug().Str("name", subject).Msg("created CSR")
	return s.Pending(), nil
}

// SubmitCurrentCSR sends the local CSR to the repository and clears the
// slot. On failure the slot is kept so the call can be retried without
// generating a new key.
func (s *Session) SubmitCurrentCSR(ctx context.Context) (string, error) {
	if s.pending == nil {
		return "", fmt.Errorf("submit CSR: no local CSR: %w", certerr.ErrUnavailable)
	}
	name := s.pending.Name
	if err := s.remote.SubmitCSR(ctx, name, s.pending.CSR); err != nil {
		return "", fmt.Errorf("submit CSR %s: %w", name, err)
	}

	s.pending = nil
	if err := s.clearRequest(ctx); err != nil {
		return name, fmt.Errorf("submit CSR %s: submitted, but clearing the local slot failed: %w", name, err)
	}
	s.logger.Debug().Str("name", name).Msg("submitted CSR")
	return name, nil
}

// DiscardCurrentCSR clears the request slot without submitting it. The key
// stays in the registry.
func (s *Session) DiscardCurrentCSR(ctx context.Context) error {
	if err := s.clearRequest(ctx); err != nil {
		return fmt.Errorf("discard CSR: %w", err)
	}
	s.pending = nil
	return nil
}

func (s *Session) clearRequest(ctx context.Context) error {
	return s.store.Delete(ctx, requestKey)
}

// Key returns the PEM private key generated locally for name.
func (s *Session) Key(name string) ([]byte, error) {
	keyPEM, ok := s.keys[name]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", name, certerr.ErrNotFound)
	}
	return util.CopyBytes(keyPEM), nil
}

// KeyNames returns the sorted names in the key registry.
func (s *Session) KeyNames() []string {
	names := make([]string, 0, len(s.keys))
	for n := range s.keys {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Remote returns the certificate repository the session submits to.
func (s *Session) Remote() certrepo.Repository {
	return s.remote
}

// Close drops the CA material held by the session.
func (s *Session) Close() {
	s.ca = nil
}
