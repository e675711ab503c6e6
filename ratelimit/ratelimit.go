// Package ratelimit provides per-provider token-bucket throttling for
// outbound model requests.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	skeinerr "github.com/orvane/skein/internal/errors"
)

// maxAcquireRetries bounds how many times Acquire waits for a token before
// giving up.
const maxAcquireRetries = 10

// Config describes one provider's bucket: Capacity tokens, refilled by
// Refill tokens every Interval.
type Config struct {
	Capacity int
	Refill   int
	Interval time.Duration
}

// DefaultConfig is the conservative bucket used for providers without an
// explicit configuration.
func DefaultConfig() Config {
	return Config{Capacity: 10, Refill: 10, Interval: time.Minute}
}

func (c Config) valid() bool {
	return c.Capacity > 0 && c.Refill > 0 && c.Interval > 0
}

func (c Config) limit() rate.Limit {
	return rate.Limit(float64(c.Refill) / c.Interval.Seconds())
}

// Limiter throttles requests per provider with independent token buckets.
// Buckets are created lazily on first use.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	configs  map[string]Config
	fallback Config
}

// New creates a limiter with per-provider configurations. Providers absent
// from configs fall back to DefaultConfig.
func New(configs map[string]Config) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		configs:  make(map[string]Config, len(configs)),
		fallback: DefaultConfig(),
	}
	for provider, cfg := range configs {
		if cfg.valid() {
			l.configs[provider] = cfg
		} else {
			slog.Warn("ignoring invalid rate limit config", "provider", provider)
		}
	}
	return l
}

// SetConfig installs or replaces a provider's bucket configuration. An
// existing bucket is rebuilt so the new limits take effect immediately.
func (l *Limiter) SetConfig(provider string, cfg Config) error {
	if !cfg.valid() {
		return skeinerr.InvalidConfiguration("rate limit capacity, refill and interval must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[provider] = cfg
	delete(l.buckets, provider)
	return nil
}

func (l *Limiter) bucket(provider string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[provider]; ok {
		return b
	}
	cfg, ok := l.configs[provider]
	if !ok {
		cfg = l.fallback
	}
	b := rate.NewLimiter(cfg.limit(), cfg.Capacity)
	l.buckets[provider] = b
	return b
}

// TryAcquire attempts to take one token for the provider without blocking.
// On failure it reports the wait until the next token becomes available.
func (l *Limiter) TryAcquire(provider string) (bool, time.Duration) {
	r := l.bucket(provider).Reserve()
	if !r.OK() {
		return false, l.fallback.Interval
	}
	if delay := r.Delay(); delay > 0 {
		// Not claiming the token yet; hand the wait back to the caller.
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// Acquire blocks until a token is available, retrying TryAcquire up to
// maxAcquireRetries times and sleeping the reported wait between attempts.
// Exhausting the retries surfaces a rate-limit-exceeded error.
func (l *Limiter) Acquire(ctx context.Context, provider string) error {
	var wait time.Duration
	for attempt := 0; attempt < maxAcquireRetries; attempt++ {
		ok, d := l.TryAcquire(provider)
		if ok {
			return nil
		}
		wait = d

		slog.Debug("rate limited, waiting for refill",
			"provider", provider,
			"attempt", attempt+1,
			"wait", d)

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return skeinerr.RateLimitExceeded(provider, wait)
}
