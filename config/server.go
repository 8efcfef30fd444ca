// Package config holds the server and client configuration.
//
// The server is configured from PKIDESK_* environment variables. The client
// reads a YAML file and then applies the same environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable read by this package.
const EnvPrefix = "PKIDESK"

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageBBolt    = "bbolt"
	StoragePostgres = "postgres"
)

// Server configures pkidesk server.
type Server struct {
	Addr    string `envconfig:"ADDR"`
	Port    int    `envconfig:"PORT"`
	Storage string `envconfig:"STORAGE"`
	DataDir string `split_words:"true"`

	PostgresDSN      string `envconfig:"POSTGRES_DSN"`
	PostgresMaxConns int32  `split_words:"true"`

	// CACert is the path of the CA certificate served to clients and used
	// to verify published certificates.
	CACert string `envconfig:"CA_CERT"`

	TLSCert     string   `envconfig:"TLS_CERT"`
	TLSKey      string   `envconfig:"TLS_KEY"`
	NoTLS       bool     `envconfig:"NO_TLS"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS"`

	MaxBodyBytes       int64    `split_words:"true"`
	SubmitFailureLimit int      `split_words:"true"`
	TrustedProxies     []string `split_words:"true"`
}

// LoadServer reads the server configuration from the environment and
// applies defaults.
func LoadServer() (*Server, error) {
	var cfg Server
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Server) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8443
	}
	if c.Storage == "" {
		c.Storage = StorageBBolt
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.PostgresMaxConns == 0 {
		c.PostgresMaxConns = 10
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.SubmitFailureLimit == 0 {
		c.SubmitFailureLimit = 5
	}
}

// Validate checks the configuration for contradictions.
func (c *Server) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Storage {
	case StorageMemory, StorageBBolt:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres storage requires a DSN (--postgres-dsn or PKIDESK_POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want memory, bbolt or postgres)", c.Storage)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("--tls-cert and --tls-key must be given together")
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("max body size must not be negative")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// ListenAddr returns the host:port to listen on.
func (c *Server) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}

// DatabasePath returns the bbolt file used by the bbolt backend.
func (c *Server) DatabasePath() string {
	return filepath.Join(c.DataDir, "repository.db")
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses become
// single-address prefixes.
func (c *Server) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range c.TrustedProxies {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
