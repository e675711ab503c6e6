package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	skeinerr "github.com/orvane/skein/internal/errors"
)

func TestTryAcquire_BucketBound(t *testing.T) {
	l := New(map[string]Config{
		"openai": {Capacity: 10, Refill: 10, Interval: time.Second},
	})

	// A full bucket of capacity 10 yields exactly 10 immediate tokens.
	for i := 0; i < 10; i++ {
		ok, _ := l.TryAcquire("openai")
		require.True(t, ok, "acquire %d should succeed", i+1)
	}

	ok, wait := l.TryAcquire("openai")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)
}

func TestTryAcquire_RefillsAfterInterval(t *testing.T) {
	l := New(map[string]Config{
		"openai": {Capacity: 2, Refill: 2, Interval: 100 * time.Millisecond},
	})

	for i := 0; i < 2; i++ {
		ok, _ := l.TryAcquire("openai")
		require.True(t, ok)
	}
	ok, _ := l.TryAcquire("openai")
	require.False(t, ok)

	time.Sleep(120 * time.Millisecond)

	ok, _ = l.TryAcquire("openai")
	assert.True(t, ok, "token should be available after refill interval")
}

func TestTryAcquire_IndependentProviders(t *testing.T) {
	l := New(map[string]Config{
		"small": {Capacity: 1, Refill: 1, Interval: time.Minute},
	})

	ok, _ := l.TryAcquire("small")
	require.True(t, ok)
	ok, _ = l.TryAcquire("small")
	require.False(t, ok)

	// Draining one provider leaves others untouched.
	ok, _ = l.TryAcquire("other")
	assert.True(t, ok)
}

func TestAcquire_WaitsForToken(t *testing.T) {
	l := New(map[string]Config{
		"fast": {Capacity: 1, Refill: 1, Interval: 20 * time.Millisecond},
	})

	ok, _ := l.TryAcquire("fast")
	require.True(t, ok)

	start := time.Now()
	err := l.Acquire(context.Background(), "fast")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestAcquire_ContextCancellation(t *testing.T) {
	l := New(map[string]Config{
		"slow": {Capacity: 1, Refill: 1, Interval: time.Hour},
	})

	ok, _ := l.TryAcquire("slow")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetConfig_RejectsInvalid(t *testing.T) {
	l := New(nil)

	err := l.SetConfig("p", Config{Capacity: 0, Refill: 1, Interval: time.Second})
	require.Error(t, err)
	assert.Equal(t, skeinerr.ErrCodeInvalidConfiguration, skeinerr.CodeOf(err))
}

func TestSetConfig_RebuildsBucket(t *testing.T) {
	l := New(map[string]Config{
		"p": {Capacity: 1, Refill: 1, Interval: time.Hour},
	})

	ok, _ := l.TryAcquire("p")
	require.True(t, ok)
	ok, _ = l.TryAcquire("p")
	require.False(t, ok)

	require.NoError(t, l.SetConfig("p", Config{Capacity: 5, Refill: 5, Interval: time.Second}))

	// New bucket starts full at the new capacity.
	for i := 0; i < 5; i++ {
		ok, _ = l.TryAcquire("p")
		assert.True(t, ok, "acquire %d after reconfigure", i+1)
	}
}
