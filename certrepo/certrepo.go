// Package certrepo is the certificate repository: a durable store of named
// pending CSRs and named issued certificates.
//
// Publishing a certificate retires the pending CSR of the same name in the
// same storage batch, so no reader ever sees both or neither.
package certrepo

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/jmcleod/pkidesk/certerr"
	"github.com/jmcleod/pkidesk/pki"
	"github.com/jmcleod/pkidesk/storage"
)

// Namespace is the storage namespace holding repository records.
const Namespace = "repository"

const (
	recordCSR  = "csr"
	recordCert = "cert"
)

// Repository is the contract shared by the in-process Service and the HTTP
// client. Payloads are DER.
type Repository interface {
	ListPendingCSRs(ctx context.Context) ([]string, error)
	GetCSR(ctx context.Context, name string) ([]byte, error)
	SubmitCSR(ctx context.Context, name string, csrDER []byte) error
	ListCertificates(ctx context.Context) ([]string, error)
	GetCertificate(ctx context.Context, name string) ([]byte, error)
	PublishCertificate(ctx context.Context, name string, certDER []byte) error

	// CACertificate returns the DER of the CA certificate served to
	// clients, or ErrUnavailable when none is configured.
	CACertificate(ctx context.Context) ([]byte, error)
}

// Middleware decorates a Repository.
type Middleware func(Repository) Repository

// Service implements Repository on top of a storage backend.
type Service struct {
	store  storage.Repository
	caCert *x509.Certificate
}

var _ Repository = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithCACertificate makes the service serve cert as the well-known CA
// certificate and reject published certificates it did not sign.
func WithCACertificate(cert *x509.Certificate) Option {
	return func(s *Service) { s.caCert = cert }
}

// NewService returns a Service storing records in store.
func NewService(store storage.Repository, opts ...Option) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// translate maps storage errors into the certerr taxonomy. Errors that
// already carry a kind pass through unchanged.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case certerr.KindOf(err) != certerr.KindInternal:
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%s: %w", op, certerr.ErrNotFound)
	case errors.Is(err, storage.ErrCASFailed):
		return fmt.Errorf("%s: %w", op, certerr.ErrConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, certerr.ErrTransport, err)
	}
}

func (s *Service) list(ctx context.Context, op, recordType string) ([]string, error) {
	names, err := s.store.List(ctx, Namespace, recordType)
	if err != nil {
		return nil, translate(op, err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (s *Service) get(ctx context.Context, op, recordType, name string) ([]byte, error) {
	if err := pki.CheckName(name); err != nil {
		return nil, translate(op, err)
	}
	rec, err := s.store.Get(ctx, Namespace, recordType, name)
	if err != nil {
		return nil, translate(op, err)
	}
	return rec.Payload, nil
}

// ListPendingCSRs returns the names of pending CSRs in sorted order.
func (s *Service) ListPendingCSRs(ctx context.Context) ([]string, error) {
	return s.list(ctx, "list CSRs", recordCSR)
}

func (s *Service) GetCSR(ctx context.Context, name string) ([]byte, error) {
	return s.get(ctx, "get CSR "+name, recordCSR, name)
}

// ListCertificates returns the names of issued certificates in sorted order.
func (s *Service) ListCertificates(ctx context.Context) ([]string, error) {
	return s.list(ctx, "list certificates", recordCert)
}

func (s *Service) GetCertificate(ctx context.Context, name string) ([]byte, error) {
	return s.get(ctx, "get certificate "+name, recordCert, name)
}

// SubmitCSR stages csrDER under name. It fails with ErrConflict when name
// already has a pending CSR or an issued certificate; the existing CSR is
// left untouched.
func (s *Service) SubmitCSR(ctx context.Context, name string, csrDER []byte) error {
	op := "submit CSR " + name
	if err := pki.CheckName(name); err != nil {
		return translate(op, err)
	}
	if _, err := pki.ParseCSR(csrDER); err != nil {
		return translate(op, err)
	}

	err := s.store.Batch(ctx, Namespace, func(tx storage.BatchTx) error {
		if _, err := tx.Get(recordCert, name); err == nil {
			return fmt.Errorf("certificate already issued: %w", certerr.ErrConflict)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := tx.PutCAS(recordCSR, name, 0, storage.NewRecord(csrDER)); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return fmt.Errorf("CSR already pending: %w", certerr.ErrConflict)
			}
			return err
		}
		return nil
	})
	return translate(op, err)
}

// PublishCertificate stores certDER under name and retires the pending CSR
// of the same name in one batch. It fails with ErrConflict when no CSR is
// pending and with ErrInvalid when the certificate does not certify the
// pending CSR's key or was not signed by the configured CA.
func (s *Service) PublishCertificate(ctx context.Context, name string, certDER []byte) error {
	op := "publish certificate " + name
	if err := pki.CheckName(name); err != nil {
		return translate(op, err)
	}
	cert, err := pki.ParseCertificate(certDER)
	if err != nil {
		return translate(op, err)
	}
	if s.caCert != nil {
		if err := cert.CheckSignatureFrom(s.caCert); err != nil {
			return translate(op, fmt.Errorf("not signed by the repository CA: %v: %w", err, certerr.ErrInvalid))
		}
	}

	err = s.store.Batch(ctx, Namespace, func(tx storage.BatchTx) error {
		rec, err := tx.Get(recordCSR, name)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no pending CSR: %w", certerr.ErrConflict)
		}
		if err != nil {
			return err
		}
		csr, err := pki.ParseCSR(rec.Payload)
		if err != nil {
			return err
		}
		if !pki.PublicKeysEqual(csr.PublicKey, cert.PublicKey) {
			return fmt.Errorf("certificate key does not match pending CSR: %w", certerr.ErrInvalid)
		}
		if err := tx.Delete(recordCSR, name); err != nil {
			return err
		}
		if err := tx.PutCAS(recordCert, name, 0, storage.NewRecord(certDER)); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return fmt.Errorf("certificate already issued: %w", certerr.ErrConflict)
			}
			return err
		}
		return nil
	})
	return translate(op, err)
}

func (s *Service) CACertificate(_ context.Context) ([]byte, error) {
	if s.caCert == nil {
		return nil, fmt.Errorf("CA certificate: not configured: %w", certerr.ErrUnavailable)
	}
	return s.caCert.Raw, nil
}
