// Package credential resolves provider API keys. The engine only ever sees
// the Source interface; the backing store (an OS keychain in the host
// application) stays opaque.
package credential

import (
	"context"
	"os"
	"strings"
	"sync"

	skeinerr "github.com/orvane/skein/internal/errors"
)

// Source looks up the API key for a provider.
type Source interface {
	Get(ctx context.Context, providerID string) (string, error)
}

// Store is a writable Source.
type Store interface {
	Source
	Set(ctx context.Context, providerID, key string) error
	Delete(ctx context.Context, providerID string) error
}

// EnvSource resolves keys from environment variables named
// <prefix>_<PROVIDER>_API_KEY, e.g. SKEIN_OPENAI_API_KEY.
type EnvSource struct {
	Prefix string
}

// NewEnvSource creates an EnvSource with the given prefix (default "SKEIN").
func NewEnvSource(prefix string) *EnvSource {
	if prefix == "" {
		prefix = "SKEIN"
	}
	return &EnvSource{Prefix: prefix}
}

// Get implements Source.
func (s *EnvSource) Get(_ context.Context, providerID string) (string, error) {
	name := s.Prefix + "_" + strings.ToUpper(providerID) + "_API_KEY"
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", skeinerr.CredentialNotFound(providerID)
}

// CachedStore layers an explicit process-wide cache over a backing store.
// Keychain reads can lag their own writes, so the cache is populated on Set,
// consulted before the backing store on Get, and invalidated on Delete.
type CachedStore struct {
	mu      sync.RWMutex
	cache   map[string]string
	backing Store
}

// NewCachedStore wraps backing with the read-after-write cache.
func NewCachedStore(backing Store) *CachedStore {
	return &CachedStore{
		cache:   make(map[string]string),
		backing: backing,
	}
}

// Get returns the cached key when present, falling back to the backing
// store and caching a successful lookup.
func (c *CachedStore) Get(ctx context.Context, providerID string) (string, error) {
	c.mu.RLock()
	key, ok := c.cache[providerID]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := c.backing.Get(ctx, providerID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[providerID] = key
	c.mu.Unlock()
	return key, nil
}

// Set writes through to the backing store and populates the cache.
func (c *CachedStore) Set(ctx context.Context, providerID, key string) error {
	if err := c.backing.Set(ctx, providerID, key); err != nil {
		return err
	}
	c.mu.Lock()
	c.cache[providerID] = key
	c.mu.Unlock()
	return nil
}

// Delete removes the credential from the backing store and invalidates the
// cache, even if the backing delete fails.
func (c *CachedStore) Delete(ctx context.Context, providerID string) error {
	c.mu.Lock()
	delete(c.cache, providerID)
	c.mu.Unlock()
	return c.backing.Delete(ctx, providerID)
}

// StaticSource is a fixed in-memory Source, useful for tests and embedded
// configuration.
type StaticSource map[string]string

// Get implements Source.
func (s StaticSource) Get(_ context.Context, providerID string) (string, error) {
	if key, ok := s[providerID]; ok && key != "" {
		return key, nil
	}
	return "", skeinerr.CredentialNotFound(providerID)
}
