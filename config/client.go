package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Client configures the pkidesk client commands.
type Client struct {
	ServerURL string        `yaml:"server_url" envconfig:"SERVER_URL"`
	StateDir  string        `yaml:"state_dir" envconfig:"STATE_DIR"`
	Identity  string        `yaml:"identity" envconfig:"IDENTITY"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	CacheDir  string        `yaml:"cache_dir" envconfig:"CACHE_DIR"`

	// TLSCA is a PEM bundle of roots trusted for the server's TLS
	// certificate, in addition to the system pool.
	TLSCA              string `yaml:"tls_ca" envconfig:"TLS_CA"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" envconfig:"INSECURE_SKIP_VERIFY"`

	// Passphrase seals the local store. It is only read from the
	// environment.
	Passphrase string `yaml:"-" envconfig:"PASSPHRASE"`
}

// DefaultClientDir returns ~/.pkidesk.
func DefaultClientDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pkidesk"
	}
	return filepath.Join(home, ".pkidesk")
}

// DefaultClientPath returns the default client configuration file.
func DefaultClientPath() string {
	return filepath.Join(DefaultClientDir(), "client.yaml")
}

// LoadClient reads the YAML file at path, applies environment overrides
// and defaults. An empty path means DefaultClientPath, which may be
// missing; an explicit path must exist.
func LoadClient(path string) (*Client, error) {
	var cfg Client
	explicit := path != ""
	if !explicit {
		path = DefaultClientPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Client) ApplyDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = "https://localhost:8443"
	}
	if c.StateDir == "" {
		c.StateDir = DefaultClientDir()
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.StateDir, "cache")
	}
}

// Validate checks the configuration.
func (c *Client) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid server URL %q", c.ServerURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server URL %q must use http or https", c.ServerURL)
	}
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	return nil
}

// StatePath returns the bbolt file holding the local store.
func (c *Client) StatePath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// Save writes the configuration to path as YAML.
func (c *Client) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
