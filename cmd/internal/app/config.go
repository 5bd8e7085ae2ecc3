package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tether/cmd/internal/auth/remote"
	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/auth/tokenstore"
	"tether/cmd/internal/realtime"
)

// ErrConfig is returned for invalid runtime configuration.
var ErrConfig = errors.New("invalid config")

// Config contains all runtime configuration.
//
// Values are layered: DefaultConfig, then the optional YAML file, then environment variables.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	// PasetoPublicKey (hex) enables verification of v4.public tokens.
	PasetoPublicKey string `yaml:"paseto_public_key"`

	API      remote.Config     `yaml:"api"`
	Session  session.Config    `yaml:"session"`
	Tokens   tokenstore.Config `yaml:"tokens"`
	Realtime realtime.Config   `yaml:"realtime"`
}

// DefaultConfig returns the baseline configuration. The token file lives in the
// user's config directory.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "127.0.0.1:7710",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		MetricsEnabled: true,

		API:     remote.DefaultConfig(),
		Session: session.DefaultConfig(),
		Tokens: tokenstore.Config{
			Backend: tokenstore.BackendFile,
			File: tokenstore.FileConfig{
				Path: defaultTokenPath(),
				KDF:  tokenstore.DefaultKDFParams(),
			},
			Postgres: tokenstore.PostgresConfig{Namespace: "default", MaxConns: 4},
		},
		Realtime: realtime.DefaultConfig(),
	}
}

func defaultTokenPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".tether", "session.json")
	}
	return filepath.Join(dir, "tether", "session.json")
}

// LoadConfig builds the runtime configuration. path names a YAML file; when empty,
// TETHER_CONFIG is consulted. A missing explicit file is an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = EnvString("TETHER_CONFIG", "")
	}
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg, err := applyEnv(cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func loadYAML(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
	}
	return nil
}

// applyEnv overrides cfg from TETHER_* variables.
func applyEnv(cfg Config) (Config, error) {
	cfg.HTTPAddr = EnvString("TETHER_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("TETHER_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("TETHER_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("TETHER_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("TETHER_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("TETHER_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("TETHER_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("TETHER_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.MetricsEnabled = EnvBool("TETHER_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.PasetoPublicKey = EnvString("TETHER_PASETO_PUBLIC_KEY", cfg.PasetoPublicKey)

	cfg.API.BaseURL = EnvString("TETHER_API_BASE_URL", cfg.API.BaseURL)
	cfg.API.Timeout = EnvDuration("TETHER_API_TIMEOUT", cfg.API.Timeout)
	cfg.API.RetryMax = EnvInt("TETHER_API_RETRY_MAX", cfg.API.RetryMax)

	cfg.Tokens.Backend = tokenstore.Backend(EnvString("TETHER_TOKEN_STORE", string(cfg.Tokens.Backend)))
	cfg.Tokens.File.Path = EnvString("TETHER_TOKEN_FILE", cfg.Tokens.File.Path)
	cfg.Tokens.File.Passphrase = EnvString("TETHER_TOKEN_PASSPHRASE", cfg.Tokens.File.Passphrase)
	cfg.Tokens.Redis.Addr = EnvString("TETHER_REDIS_ADDR", cfg.Tokens.Redis.Addr)
	cfg.Tokens.Redis.Password = EnvString("TETHER_REDIS_PASSWORD", cfg.Tokens.Redis.Password)
	cfg.Tokens.Redis.DB = EnvInt("TETHER_REDIS_DB", cfg.Tokens.Redis.DB)
	cfg.Tokens.Redis.KeyPrefix = EnvString("TETHER_REDIS_KEY_PREFIX", cfg.Tokens.Redis.KeyPrefix)
	cfg.Tokens.Postgres.URL = EnvString("TETHER_DATABASE_URL", cfg.Tokens.Postgres.URL)
	cfg.Tokens.Postgres.Namespace = EnvString("TETHER_DB_NAMESPACE", cfg.Tokens.Postgres.Namespace)
	cfg.Tokens.Postgres.MaxConns = EnvInt32("TETHER_DB_MAX_CONNS", cfg.Tokens.Postgres.MaxConns)

	sess, err := session.ApplyEnv(cfg.Session)
	if err != nil {
		return Config{}, fmt.Errorf("session: %w", err)
	}
	cfg.Session = sess

	rt, err := realtime.ApplyEnv(cfg.Realtime)
	if err != nil {
		return Config{}, fmt.Errorf("realtime: %w", err)
	}
	cfg.Realtime = rt

	return cfg, nil
}

// Validate checks the fields owned by the app package; components validate their own.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%w: http_addr is required", ErrConfig)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "pretty":
	default:
		return fmt.Errorf("%w: log_format must be json or pretty, got %q", ErrConfig, c.LogFormat)
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("%w: api.base_url (TETHER_API_BASE_URL) is required", ErrConfig)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return c.Realtime.Validate()
}
