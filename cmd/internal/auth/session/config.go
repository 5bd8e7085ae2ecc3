package session

import (
	"os"
	"time"
)

// Config defines the runtime policy of the session manager.
type Config struct {
	// ProfileTTL bounds how long a fetched profile is trusted.
	ProfileTTL time.Duration `yaml:"profile_ttl"`

	// RoleTTL bounds how long a resolved admin flag is trusted.
	RoleTTL time.Duration `yaml:"role_ttl"`

	// RevalidateInterval is the period of the background light validation.
	RevalidateInterval time.Duration `yaml:"revalidate_interval"`

	// ClockSkew treats tokens as expired this much before their exp claim.
	ClockSkew time.Duration `yaml:"clock_skew"`

	// RunTimeout bounds a single scheduled validation.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// DefaultConfig returns the baseline policy.
func DefaultConfig() Config {
	return Config{
		ProfileTTL:         5 * time.Minute,
		RoleTTL:            5 * time.Minute,
		RevalidateInterval: 10 * time.Minute,
		ClockSkew:          0,
		RunTimeout:         30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables
// on top of DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	return ApplyEnv(DefaultConfig())
}

// ApplyEnv overrides cfg from the environment.
//
// Optional (durations must be valid Go duration strings):
//   - TETHER_SESSION_PROFILE_TTL
//   - TETHER_SESSION_ROLE_TTL
//   - TETHER_SESSION_REVALIDATE_INTERVAL
//   - TETHER_SESSION_CLOCK_SKEW
//   - TETHER_SESSION_RUN_TIMEOUT
//
// Returns ErrConfig if configuration is invalid.
func ApplyEnv(cfg Config) (Config, error) {
	positive := []struct {
		key string
		dst *time.Duration
	}{
		{"TETHER_SESSION_PROFILE_TTL", &cfg.ProfileTTL},
		{"TETHER_SESSION_ROLE_TTL", &cfg.RoleTTL},
		{"TETHER_SESSION_REVALIDATE_INTERVAL", &cfg.RevalidateInterval},
		{"TETHER_SESSION_RUN_TIMEOUT", &cfg.RunTimeout},
	}
	for _, p := range positive {
		if v := os.Getenv(p.key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return Config{}, ErrConfig
			}
			*p.dst = d
		}
	}

	if v := os.Getenv("TETHER_SESSION_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants.
func (c Config) Validate() error {
	if c.ProfileTTL <= 0 || c.RoleTTL <= 0 || c.RevalidateInterval <= 0 || c.RunTimeout <= 0 {
		return ErrConfig
	}
	if c.ClockSkew < 0 {
		return ErrConfig
	}
	return nil
}
