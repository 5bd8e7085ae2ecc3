package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures PostgresStore.
type PostgresConfig struct {
	URL string `yaml:"url"`
	// Namespace separates agents sharing one table.
	Namespace string `yaml:"namespace"`
	MaxConns  int32  `yaml:"max_conns"`
}

// PostgresStore keeps the pair as two rows of tether.token_slots.
type PostgresStore struct {
	pool      *pgxpool.Pool
	namespace string
	owned     bool
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS tether;
CREATE TABLE IF NOT EXISTS tether.token_slots (
	namespace  text        NOT NULL,
	slot       text        NOT NULL,
	value      text        NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, slot)
);
`

// NewPostgresStore wraps an existing pool. The caller keeps ownership.
func NewPostgresStore(pool *pgxpool.Pool, namespace string) *PostgresStore {
	if namespace == "" {
		namespace = "default"
	}
	return &PostgresStore{pool: pool, namespace: namespace}
}

// OpenPostgresStore builds a pool, validates connectivity and ensures the schema.
func OpenPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: postgres url is required", ErrConfig)
	}

	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := NewPostgresStore(pool, cfg.Namespace)
	s.owned = true
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the slot table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return opErr("postgres", "schema", err)
}

func (s *PostgresStore) Read(ctx context.Context) (Session, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT slot, value
		FROM tether.token_slots
		WHERE namespace = $1
	`, s.namespace)
	if err != nil {
		return Session{}, false, opErr("postgres", "read", err)
	}
	defer rows.Close()

	var sess Session
	for rows.Next() {
		var slot, value string
		if err := rows.Scan(&slot, &value); err != nil {
			return Session{}, false, opErr("postgres", "read", err)
		}
		switch slot {
		case SlotAccessToken:
			sess.AccessToken = value
		case SlotRefreshToken:
			sess.RefreshToken = value
		}
	}
	if err := rows.Err(); err != nil {
		return Session{}, false, opErr("postgres", "read", err)
	}

	if sess.Empty() {
		return Session{}, false, nil
	}
	return sess, true, nil
}

func (s *PostgresStore) Write(ctx context.Context, access, refresh string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM tether.token_slots WHERE namespace = $1`, s.namespace); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO tether.token_slots (namespace, slot, value, updated_at)
			VALUES ($1, $2, $3, now())
		`, s.namespace, SlotAccessToken, access); err != nil {
			return err
		}
		if refresh == "" {
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO tether.token_slots (namespace, slot, value, updated_at)
			VALUES ($1, $2, $3, now())
		`, s.namespace, SlotRefreshToken, refresh)
		return err
	})
	return opErr("postgres", "write", err)
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tether.token_slots WHERE namespace = $1`, s.namespace)
	return opErr("postgres", "clear", err)
}

// Ping checks that a connection can be acquired within timeout.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return opErr("postgres", "ping", err)
	}
	conn.Release()
	return nil
}

// Close releases the pool when the store created it.
func (s *PostgresStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}
