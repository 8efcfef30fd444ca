// Package export builds downloadable artifacts from issued certificates and
// locally held keys. Private keys always come from the local key registry;
// the server never has them.
package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/pkidesk/certerr"
	"github.com/jmcleod/pkidesk/certrepo"
	"github.com/jmcleod/pkidesk/pki"
)

// Artifact content types.
const (
	ContentTypeCertificate = "application/pkix-cert"
	ContentTypeKey         = "application/x-pem-file"
	ContentTypePKCS12      = "application/x-pkcs12"
)

// Artifact is a file ready for download.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

// KeySource returns a locally held private key, or an error wrapping
// certerr.ErrNotFound.
type KeySource interface {
	Key(name string) ([]byte, error)
}

// Packager builds artifacts.
type Packager struct {
	repo certrepo.Repository
	keys KeySource
}

// New returns a Packager reading certificates from repo and keys from keys.
func New(repo certrepo.Repository, keys KeySource) *Packager {
	return &Packager{repo: repo, keys: keys}
}

// DownloadCertificate returns the issued certificate name as DER.
func (p *Packager) DownloadCertificate(ctx context.Context, name string) (*Artifact, error) {
	der, err := p.repo.GetCertificate(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("download certificate %s: %w", name, err)
	}
	return &Artifact{Filename: name + ".cer", ContentType: ContentTypeCertificate, Data: der}, nil
}

// DownloadKey returns the PEM private key generated locally for name.
func (p *Packager) DownloadKey(name string) (*Artifact, error) {
	keyPEM, err := p.keys.Key(name)
	if err != nil {
		return nil, fmt.Errorf("download key %s: %w", name, err)
	}
	return &Artifact{Filename: name + ".key", ContentType: ContentTypeKey, Data: keyPEM}, nil
}

// DownloadPKCS12 bundles the issued certificate name, its local key and
// the CA certificate under password. An empty password is accepted. It
// fails with certerr.ErrUnavailable when the certificate is not issued
// yet or the key was not generated here.
func (p *Packager) DownloadPKCS12(ctx context.Context, name, password string) (*Artifact, error) {
	keyPEM, err := p.keys.Key(name)
	if err != nil {
		return nil, fmt.Errorf("download PKCS#12 %s: %w", name, unavailable(err))
	}
	certDER, err := p.repo.GetCertificate(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("download PKCS#12 %s: certificate: %w", name, unavailable(err))
	}
	caDER, err := p.repo.CACertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("download PKCS#12 %s: CA certificate: %w", name, err)
	}

	bundle, err := pki.BuildPKCS12(certDER, keyPEM, caDER, password)
	if err != nil {
		return nil, fmt.Errorf("download PKCS#12 %s: %w", name, err)
	}
	return &Artifact{Filename: name + ".pfx", ContentType: ContentTypePKCS12, Data: bundle}, nil
}

// unavailable reports a missing prerequisite as unavailable. Other errors
// keep their kind.
func unavailable(err error) error {
	if errors.Is(err, certerr.ErrNotFound) {
		return fmt.Errorf("%w: %s", certerr.ErrUnavailable, err)
	}
	return err
}
