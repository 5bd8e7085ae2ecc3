package tokenstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

// Integration tests are enabled when TETHER_TEST_REDIS_ADDR / TETHER_TEST_DATABASE_URL are set.

func TestRedisStore_Integration(t *testing.T) {
	addr := os.Getenv("TETHER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TETHER_TEST_REDIS_ADDR is not set; skipping Redis integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewRedisStore(ctx, RedisConfig{
		Addr:      addr,
		KeyPrefix: "tether:test:" + ulid.Make().String() + ":",
		TTL:       time.Minute,
	})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	exerciseStore(t, s)
}

func TestPostgresStore_Integration(t *testing.T) {
	dbURL := os.Getenv("TETHER_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TETHER_TEST_DATABASE_URL is not set; skipping Postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := OpenPostgresStore(ctx, PostgresConfig{
		URL:       dbURL,
		Namespace: "test-" + ulid.Make().String(),
	})
	if err != nil {
		t.Fatalf("OpenPostgresStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	exerciseStore(t, s)
}
