// Package signer signs pending CSRs with the operator's CA and publishes
// the certificates back to the repository.
package signer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jmcleod/pkidesk/certrepo"
	"github.com/jmcleod/pkidesk/pki"
)

// CASource supplies the CA material used for signing. It returns an error
// wrapping certerr.ErrUnavailable when no CA is loaded.
type CASource interface {
	SigningCA() (*pki.CA, error)
}

// StaticCA is a CASource over already parsed material.
type StaticCA struct{ CA *pki.CA }

func (s StaticCA) SigningCA() (*pki.CA, error) {
	return s.CA, nil
}

// Result is the outcome of signing one CSR.
type Result struct {
	Name   string
	Serial string
	Err    error
}

// Orchestrator drives the sign-and-publish sequence.
type Orchestrator struct {
	repo   certrepo.Repository
	source CASource
	engine *pki.Engine
	logger zerolog.Logger
}

// New returns an Orchestrator signing CSRs from repo with the CA from
// source. A nil engine uses the software key store.
func New(repo certrepo.Repository, source CASource, engine *pki.Engine) *Orchestrator {
	if engine == nil {
		engine = pki.NewEngine(nil)
	}
	return &Orchestrator{
		repo:   repo,
		source: source,
		engine: engine,
		logger: log.Logger.With().Str("component", "signer").Logger(),
	}
}

// SignPending signs the pending CSR name and publishes the certificate,
// which retires the CSR. A crash between the fetch and the publish leaves
// the CSR pending, so the call can be repeated from scratch. It returns the
// serial number of the published certificate.
func (o *Orchestrator) SignPending(ctx context.Context, name string) (string, error) {
	ca, err := o.source.SigningCA()
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", name, err)
	}
	return o.signWith(ctx, ca, name)
}

func (o *Orchestrator) signWith(ctx context.Context, ca *pki.CA, name string) (string, error) {
	csrDER, err := o.repo.GetCSR(ctx, name)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", name, err)
	}
	certDER, err := o.engine.SignCSR(ca, csrDER)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", name, err)
	}
	info, err := pki.Describe(certDER)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", name, err)
	}
	if err := o.repo.PublishCertificate(ctx, name, certDER); err != nil {
		return "", fmt.Errorf("sign %s: %w", name, err)
	}
	o.logger.Debug().Str("name", name).Str("serial", info.SerialNumber).Str("ca", ca.Name).Msg("published certificate")
	return info.SerialNumber, nil
}

// SignAll signs every pending CSR in name order. A failure on one name
// does not stop the others; it is reported in that name's Result. The
// returned error is set only when nothing could be attempted.
func (o *Orchestrator) SignAll(ctx context.Context) ([]Result, error) {
	ca, err := o.source.SigningCA()
	if err != nil {
		return nil, fmt.Errorf("sign all: %w", err)
	}
	names, err := o.repo.ListPendingCSRs(ctx)
	if err != nil {
		return nil, fmt.Errorf("sign all: %w", err)
	}

	results := make([]Result, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			results = append(results, Result{Name: name, Err: err})
			continue
		}
		serial, err := o.signWith(ctx, ca, name)
		results = append(results, Result{Name: name, Serial: serial, Err: err})
	}
	return results, nil
}
