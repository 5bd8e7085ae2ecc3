package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// RedisStore keeps each slot under its own key: <prefix><slot>.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	owned     bool
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr is required", ErrConfig)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := NewRedisStoreFromClient(client, cfg.KeyPrefix, cfg.TTL)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. The caller keeps ownership.
func NewRedisStoreFromClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "tether:session:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (r *RedisStore) key(slot string) string { return r.keyPrefix + slot }

func (r *RedisStore) Read(ctx context.Context) (Session, bool, error) {
	vals, err := r.client.MGet(ctx, r.key(SlotAccessToken), r.key(SlotRefreshToken)).Result()
	if err != nil {
		return Session{}, false, opErr("redis", "read", err)
	}

	var s Session
	if len(vals) > 0 {
		s.AccessToken, _ = vals[0].(string)
	}
	if len(vals) > 1 {
		s.RefreshToken, _ = vals[1].(string)
	}
	if s.Empty() {
		return Session{}, false, nil
	}
	return s, true, nil
}

func (r *RedisStore) Write(ctx context.Context, access, refresh string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(SlotAccessToken), access, r.ttl)
		if refresh == "" {
			p.Del(ctx, r.key(SlotRefreshToken))
		} else {
			p.Set(ctx, r.key(SlotRefreshToken), refresh, r.ttl)
		}
		return nil
	})
	return opErr("redis", "write", err)
}

func (r *RedisStore) Clear(ctx context.Context) error {
	return opErr("redis", "clear", r.client.Del(ctx, r.key(SlotAccessToken), r.key(SlotRefreshToken)).Err())
}

// Ping checks the server round trip.
func (r *RedisStore) Ping(ctx context.Context) error {
	return opErr("redis", "ping", r.client.Ping(ctx).Err())
}

// Close releases the client when the store created it.
func (r *RedisStore) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
