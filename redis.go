package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHandler implements the Handler contract on a Redis server. Records
// expire through key TTLs, so GC has nothing to scan.
type RedisHandler struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	env    Environment
}

var _ Handler = (*RedisHandler)(nil)

// RedisConfig holds configuration for the Redis handler.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string        // Namespace for session keys. Defaults to "session:".
	TTL         time.Duration // Per-record expiry. Defaults to DefaultMaxLifetime.
	Environment Environment
}

// NewRedisHandler creates a Redis-backed session handler.
func NewRedisHandler(cfg RedisConfig) *RedisHandler {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "session:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultMaxLifetime
	}

	return &RedisHandler{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: prefix,
		ttl:    ttl,
		env:    cfg.Environment,
	}
}

func (h *RedisHandler) key(id string) string { return h.prefix + id }

func (h *RedisHandler) interactive() bool {
	return h.env == nil || h.env.Interactive()
}

// Open verifies the connection.
func (h *RedisHandler) Open(ctx context.Context) error {
	if err := h.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Close releases the client.
func (h *RedisHandler) Close() error {
	return h.client.Close()
}

// Read returns the payload stored under id, creating an empty record on
// first use.
func (h *RedisHandler) Read(ctx context.Context, id string) ([]byte, error) {
	if !h.interactive() {
		return nil, nil
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	data, err := h.client.Get(ctx, h.key(id)).Bytes()
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read from redis: %w", err)
	}

	// First use: claim the id with an empty record. SET NX is atomic, so
	// concurrent creators converge on a single key.
	created, err := h.client.SetNX(ctx, h.key(id), []byte{}, h.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create session in redis: %w", err)
	}
	if created {
		return nil, nil
	}

	// Lost the creation race; return the winner's record.
	data, err = h.client.Get(ctx, h.key(id)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read from redis: %w", err)
	}
	return data, nil
}

// Write persists data under id and refreshes the key's TTL.
func (h *RedisHandler) Write(ctx context.Context, id string, data []byte) error {
	if !h.interactive() {
		return nil
	}
	if err := validateID(id); err != nil {
		return err
	}

	if err := h.client.Set(ctx, h.key(id), data, h.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write to redis: %w", err)
	}
	return nil
}

// Destroy removes the record for id. A missing record is not an error.
func (h *RedisHandler) Destroy(ctx context.Context, id string) error {
	if !h.interactive() {
		return nil
	}
	if err := validateID(id); err != nil {
		return err
	}

	if err := h.client.Del(ctx, h.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// GC is a no-op: Redis expires keys itself.
func (h *RedisHandler) GC(ctx context.Context, maxLifetime time.Duration) (int64, error) {
	return 0, nil
}
