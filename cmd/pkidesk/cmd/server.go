package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jmcleod/pkidesk/api"
	"github.com/jmcleod/pkidesk/certrepo"
	"github.com/jmcleod/pkidesk/config"
	"github.com/jmcleod/pkidesk/internal/logger"
	"github.com/jmcleod/pkidesk/pki"
	"github.com/jmcleod/pkidesk/storage"
	bboltstorage "github.com/jmcleod/pkidesk/storage/bbolt"
	"github.com/jmcleod/pkidesk/storage/memory"
	"github.com/jmcleod/pkidesk/storage/postgres"
)

var serverFlags struct {
	port        int
	storage     string
	dataDir     string
	postgresDSN string
	caCert      string
	tlsCert     string
	tlsKey      string
	noTLS       bool
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate repository server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer()
		if err != nil {
			return err
		}
		applyServerFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, closeStore, err := openServerStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		handler, a, err := buildServerHandler(cfg, store, log.Logger, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		go a.RunSweeper(ctx, time.Minute)

		server := &http.Server{
			Addr:              cfg.ListenAddr(),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if !cfg.NoTLS {
			tlsConfig, err := serverTLSConfig(cfg)
			if err != nil {
				return err
			}
			server.TLSConfig = tlsConfig
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if cfg.NoTLS {
				err = server.ListenAndServe()
			} else {
				err = server.ListenAndServeTLS("", "")
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		log.Info().
			Str("addr", cfg.ListenAddr()).
			Str("storage", cfg.Storage).
			Bool("tls", !cfg.NoTLS).
			Bool("ca_configured", cfg.CACert != "").
			Msg("starting server")

		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func applyServerFlags(cmd *cobra.Command, cfg *config.Server) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port = serverFlags.port
	}
	if f.Changed("storage") {
		cfg.Storage = serverFlags.storage
	}
	if f.Changed("data-dir") {
		cfg.DataDir = serverFlags.dataDir
	}
	if f.Changed("postgres-dsn") {
		cfg.PostgresDSN = serverFlags.postgresDSN
	}
	if f.Changed("ca-cert") {
		cfg.CACert = serverFlags.caCert
	}
	if f.Changed("tls-cert") {
		cfg.TLSCert = serverFlags.tlsCert
	}
	if f.Changed("tls-key") {
		cfg.TLSKey = serverFlags.tlsKey
	}
	if f.Changed("no-tls") {
		cfg.NoTLS = serverFlags.noTLS
	}
}

// openServerStorage opens the configured backend and returns its closer.
func openServerStorage(ctx context.Context, cfg *config.Server) (storage.Repository, func(), error) {
	switch cfg.Storage {
	case config.StorageMemory:
		log.Warn().Msg("using in-memory storage; all CSRs and certificates are lost on exit")
		return memory.NewRepository(), func() {}, nil
	case config.StoragePostgres:
		store, err := postgres.NewRepositoryFromConfig(ctx, &postgres.PoolConfig{
			ConnString: cfg.PostgresDSN,
			MaxConns:   cfg.PostgresMaxConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return store, store.Close, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := bboltstorage.NewRepositoryFromFile(cfg.DatabasePath(), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open repository storage: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("closing repository storage")
			}
		}, nil
	}
}

// buildServerHandler wires the repository service, its middlewares and the
// HTTP router.
func buildServerHandler(cfg *config.Server, store storage.Repository, l zerolog.Logger, reg *prometheus.Registry) (http.Handler, *api.API, error) {
	var svcOpts []certrepo.Option
	if cfg.CACert != "" {
		caCert, err := loadCertificateFile(cfg.CACert)
		if err != nil {
			return nil, nil, fmt.Errorf("loading CA certificate: %w", err)
		}
		svcOpts = append(svcOpts, certrepo.WithCACertificate(caCert))
	}
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return nil, nil, err
	}

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var repo certrepo.Repository = certrepo.NewService(store, svcOpts...)
	repo = certrepo.LoggingMiddleware(l)(repo)
	repo = certrepo.InstrumentingMiddleware(certrepo.NewMetrics(reg))(repo)

	a := api.New(repo,
		api.WithLogger(l),
		api.WithTrustedProxies(proxies),
		api.WithMaxBodyBytes(cfg.MaxBodyBytes),
		api.WithSubmitFailureLimit(cfg.SubmitFailureLimit),
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(l))
	r.Use(api.SecurityHeaders)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/api/v1", a.Router())

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", logger.RequestIDHeader},
		ExposedHeaders: []string{logger.RequestIDHeader, "Retry-After"},
		MaxAge:         300,
	})
	return c.Handler(r), a, nil
}

func serverTLSConfig(cfg *config.Server) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLSCert != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = pki.SelfSignedTLSCertificate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		log.Warn().Msg("using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadCertificateFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return pki.ParseCertificate(data)
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.IntVarP(&serverFlags.port, "port", "p", 8443, "port to listen on")
	f.StringVar(&serverFlags.storage, "storage", config.StorageBBolt, "storage backend: memory, bbolt or postgres")
	f.StringVar(&serverFlags.dataDir, "data-dir", "./data", "directory for the bbolt database")
	f.StringVar(&serverFlags.postgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	f.StringVar(&serverFlags.caCert, "ca-cert", "", "CA certificate served at /api/v1/ca and required on published certificates")
	f.StringVar(&serverFlags.tlsCert, "tls-cert", "", "path to TLS certificate file")
	f.StringVar(&serverFlags.tlsKey, "tls-key", "", "path to TLS key file")
	f.BoolVar(&serverFlags.noTLS, "no-tls", false, "serve plain HTTP (behind a TLS-terminating proxy)")
}
