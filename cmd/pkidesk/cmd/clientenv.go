package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/pkidesk/apiclient"
	"github.com/jmcleod/pkidesk/client"
	"github.com/jmcleod/pkidesk/config"
	"github.com/jmcleod/pkidesk/export"
	"github.com/jmcleod/pkidesk/internal/util"
	"github.com/jmcleod/pkidesk/localstore"
	"github.com/jmcleod/pkidesk/pki"
	bboltstorage "github.com/jmcleod/pkidesk/storage/bbolt"
)

// clientEnv is everything a client command needs: the local state file,
// the server client and the workflow session over both.
type clientEnv struct {
	cfg     *config.Client
	db      *bboltstorage.Store
	local   *localstore.Repo
	remote  *apiclient.Client
	session *client.Session
}

func openClient(ctx context.Context) (*clientEnv, error) {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bboltstorage.NewRepositoryFromFile(cfg.StatePath(), &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local state %s: %w", cfg.StatePath(), err)
	}
	env := &clientEnv{cfg: cfg, db: db}

	identity := cfg.Identity
	if identity == "" {
		if identity, err = localstore.Identity(ctx, db); err != nil {
			env.Close()
			return nil, err
		}
	}
	if cfg.Passphrase != "" {
		env.local, err = localstore.NewSealed(ctx, db, identity, cfg.Passphrase, util.DefaultArgon2idParams())
	} else {
		env.local, err = localstore.New(db, identity)
	}
	if err != nil {
		env.Close()
		return nil, err
	}

	httpClient, err := clientHTTP(cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.remote, err = apiclient.New(cfg.ServerURL,
		apiclient.WithHTTPClient(httpClient),
		apiclient.WithCacheDir(cfg.CacheDir),
	)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.session, err = client.Open(ctx, env.local, env.remote, pki.NewEngine(nil))
	if err != nil {
		env.Close()
		return nil, err
	}
	log.Debug().Str("identity", identity).Str("server", cfg.ServerURL).Msg("client session open")
	return env, nil
}

func (e *clientEnv) packager() *export.Packager {
	return export.New(e.remote, e.session)
}

func (e *clientEnv) Close() {
	if e.session != nil {
		e.session.Close()
	}
	if e.local != nil {
		e.local.Close()
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			log.Error().Err(err).Msg("closing local state")
		}
	}
}

func clientHTTP(cfg *config.Client) (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLSCA != "" {
		pemData, err := os.ReadFile(cfg.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("reading TLS CA bundle: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCA)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.InsecureSkipVerify {
		log.Warn().Msg("TLS certificate verification is disabled")
		tlsConfig.InsecureSkipVerify = true
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &http.Client{Transport: transport, Timeout: cfg.Timeout}, nil
}

// writeArtifact writes a to dir, keeping private material owner-only.
func writeArtifact(dir string, a *export.Artifact) (string, error) {
	if dir == "" {
		dir = "."
	}
	perm := os.FileMode(0o644)
	if a.ContentType != export.ContentTypeCertificate {
		perm = 0o600
	}
	path := filepath.Join(dir, a.Filename)
	if err := os.WriteFile(path, a.Data, perm); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}
