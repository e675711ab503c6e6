// Package cache provides a process-wide LRU byte cache with TTL expiry.
// The tool executor uses it to memoize cacheable tool results; any keyed,
// serializable value works.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config configures a cache Service.
type Config struct {
	Capacity        int           // maximum entries (default 1000)
	DefaultTTL      time.Duration // TTL for entries stored without one (default 5m)
	CleanupInterval time.Duration // expired-entry sweep cadence (default 1m)
}

// Service is a TTL-aware LRU cache with a background cleanup loop.
type Service struct {
	lru *lru

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache service and starts its cleanup loop.
func New(cfg Config) *Service {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		lru:    newLRU(cfg.Capacity, cfg.DefaultTTL),
		ctx:    ctx,
		cancel: cancel,
	}

	s.wg.Add(1)
	go s.cleanupLoop(cfg.CleanupInterval)

	return s
}

// Close stops the cleanup loop.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Get returns the value stored under key if it has not expired.
func (s *Service) Get(key string) ([]byte, bool) {
	return s.lru.get(key, time.Now())
}

// Set stores value under key. A non-positive ttl uses the default.
func (s *Service) Set(key string, value []byte, ttl time.Duration) {
	s.lru.set(key, value, ttl, time.Now())
}

// Invalidate removes the exact key or, with a trailing "*", every key with
// the given prefix. Returns the number of entries removed.
func (s *Service) Invalidate(pattern string) int {
	return s.lru.invalidate(pattern)
}

// Size returns the number of live entries.
func (s *Service) Size() int {
	return s.lru.size()
}

// Clear removes all entries.
func (s *Service) Clear() {
	s.lru.clear()
}

func (s *Service) cleanupLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if removed := s.lru.removeExpired(time.Now()); removed > 0 {
				slog.Debug("cache cleanup removed expired entries", "count", removed)
			}
		}
	}
}
