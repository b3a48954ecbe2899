package session

import (
	"context"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcachedHandler implements the Handler contract on Memcached. Records
// expire through item TTLs, so GC has nothing to scan.
type MemcachedHandler struct {
	client *memcache.Client
	ttl    time.Duration
	env    Environment
}

var _ Handler = (*MemcachedHandler)(nil)

// MemcachedConfig holds configuration for the Memcached handler.
type MemcachedConfig struct {
	Servers     []string
	TTL         time.Duration // Per-record expiry. Defaults to DefaultMaxLifetime.
	Timeout     time.Duration // Timeout for Memcached operations. Defaults to 0 (no timeout) if not set.
	Environment Environment
}

// NewMemcachedHandler creates a Memcached-backed session handler.
func NewMemcachedHandler(ttl time.Duration, servers ...string) *MemcachedHandler {
	return NewMemcachedHandlerWithConfig(MemcachedConfig{
		Servers: servers,
		TTL:     ttl,
		// A default timeout prevents indefinite hanging if Memcached is
		// down. 1 second is usually sufficient for local/network cache.
		Timeout: 1 * time.Second,
	})
}

// NewMemcachedHandlerWithConfig creates a Memcached-backed session handler
// with custom configuration.
func NewMemcachedHandlerWithConfig(cfg MemcachedConfig) *MemcachedHandler {
	client := memcache.New(cfg.Servers...)
	client.Timeout = cfg.Timeout

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultMaxLifetime
	}

	return &MemcachedHandler{
		client: client,
		ttl:    ttl,
		env:    cfg.Environment,
	}
}

func (h *MemcachedHandler) interactive() bool {
	return h.env == nil || h.env.Interactive()
}

// Open verifies that a configured server responds.
func (h *MemcachedHandler) Open(ctx context.Context) error {
	if err := h.client.Ping(); err != nil {
		return fmt.Errorf("failed to ping memcached: %w", err)
	}
	return nil
}

// Close is a no-op for the Memcached client.
func (h *MemcachedHandler) Close() error {
	return nil
}

// Read returns the payload stored under id, creating an empty record on
// first use.
func (h *MemcachedHandler) Read(ctx context.Context, id string) ([]byte, error) {
	if !h.interactive() {
		return nil, nil
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	item, err := h.client.Get(id)
	if err == nil {
		return item.Value, nil
	}
	if err != memcache.ErrCacheMiss {
		return nil, fmt.Errorf("failed to get from memcached: %w", err)
	}

	// First use: claim the id with an empty record. Add is atomic, so
	// concurrent creators converge on a single item.
	err = h.client.Add(&memcache.Item{
		Key:        id,
		Value:      []byte{},
		Expiration: memcachedExpiration(time.Now(), h.ttl),
	})
	switch err {
	case nil:
		return nil, nil
	case memcache.ErrNotStored:
		// Lost the creation race; return the winner's record.
		item, err := h.client.Get(id)
		if err == memcache.ErrCacheMiss {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get from memcached: %w", err)
		}
		return item.Value, nil
	default:
		return nil, fmt.Errorf("failed to create session in memcached: %w", err)
	}
}

// Write persists data under id and refreshes the item's TTL.
func (h *MemcachedHandler) Write(ctx context.Context, id string, data []byte) error {
	if !h.interactive() {
		return nil
	}
	if err := validateID(id); err != nil {
		return err
	}

	err := h.client.Set(&memcache.Item{
		Key:        id,
		Value:      data,
		Expiration: memcachedExpiration(time.Now(), h.ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to save to memcached: %w", err)
	}
	return nil
}

// Destroy removes the record for id. A missing record is not an error.
func (h *MemcachedHandler) Destroy(ctx context.Context, id string) error {
	if !h.interactive() {
		return nil
	}
	if err := validateID(id); err != nil {
		return err
	}

	err := h.client.Delete(id)
	if err != nil && err != memcache.ErrCacheMiss {
		return fmt.Errorf("failed to delete from memcached: %w", err)
	}
	return nil
}

// GC is a no-op: Memcached handles expiration automatically.
func (h *MemcachedHandler) GC(ctx context.Context, maxLifetime time.Duration) (int64, error) {
	return 0, nil
}

// memcachedExpiration converts a TTL to Memcached's expiration field.
// Memcached treats values > 30 days (60*60*24*30 seconds) as absolute Unix
// timestamps; values <= 30 days are deltas from the current time.
func memcachedExpiration(now time.Time, ttl time.Duration) int32 {
	const maxDelta = 30 * 24 * 60 * 60 // 30 days in seconds

	// Beyond 30 days the value MUST be an absolute timestamp. A large
	// delta would be read as a date in 1970 and expire immediately.
	if ttl > maxDelta*time.Second {
		return int32(now.Add(ttl).Unix())
	}

	if ttl < 0 {
		return 0
	}
	return int32(ttl.Seconds())
}
