package session

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ProfileTTL != 5*time.Minute || cfg.RoleTTL != 5*time.Minute {
		t.Fatalf("ttl defaults mismatch: %+v", cfg)
	}
	if cfg.RevalidateInterval != 10*time.Minute {
		t.Fatalf("interval default mismatch: %v", cfg.RevalidateInterval)
	}
}

func TestLoadConfigFromEnv_InvalidDurations(t *testing.T) {
	t.Setenv("TETHER_SESSION_PROFILE_TTL", "-5m")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for negative duration, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidInterval(t *testing.T) {
	t.Setenv("TETHER_SESSION_REVALIDATE_INTERVAL", "soon")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for unparsable duration, got %v", err)
	}
}

func TestLoadConfigFromEnv_NegativeSkew(t *testing.T) {
	t.Setenv("TETHER_SESSION_CLOCK_SKEW", "-1s")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for negative skew, got %v", err)
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	t.Setenv("TETHER_SESSION_PROFILE_TTL", "2m")
	t.Setenv("TETHER_SESSION_ROLE_TTL", "90s")
	t.Setenv("TETHER_SESSION_REVALIDATE_INTERVAL", "1m")
	t.Setenv("TETHER_SESSION_CLOCK_SKEW", "5s")
	t.Setenv("TETHER_SESSION_RUN_TIMEOUT", "10s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ProfileTTL != 2*time.Minute {
		t.Fatalf("profile ttl mismatch: %v", cfg.ProfileTTL)
	}
	if cfg.RoleTTL != 90*time.Second {
		t.Fatalf("role ttl mismatch: %v", cfg.RoleTTL)
	}
	if cfg.RevalidateInterval != time.Minute {
		t.Fatalf("interval mismatch: %v", cfg.RevalidateInterval)
	}
	if cfg.ClockSkew != 5*time.Second {
		t.Fatalf("clock skew mismatch: %v", cfg.ClockSkew)
	}
	if cfg.RunTimeout != 10*time.Second {
		t.Fatalf("run timeout mismatch: %v", cfg.RunTimeout)
	}
}
