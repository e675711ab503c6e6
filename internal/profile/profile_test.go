package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "dev", p.Mode)
	assert.Equal(t, 8230, p.Port)
	assert.Equal(t, "openai", p.DefaultProvider)
	assert.Equal(t, 10, p.LimiterCapacity)
	assert.Equal(t, time.Minute, p.LimiterInterval)
	assert.Equal(t, 50, p.MemoryMaxMessages)
	assert.Equal(t, 4000, p.MemoryMaxTokens)
	assert.Equal(t, 30*time.Second, p.ToolDefaultTimeout)
	assert.True(t, p.IsDev())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SKEIN_MODE", "prod")
	t.Setenv("SKEIN_PORT", "9000")
	t.Setenv("SKEIN_OPENAI_API_KEY", "sk-env")
	t.Setenv("SKEIN_LIMITER_CAPACITY", "3")

	p, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "prod", p.Mode)
	assert.Equal(t, 9000, p.Port)
	assert.Equal(t, "sk-env", p.OpenAIAPIKey)
	assert.Equal(t, 3, p.LimiterCapacity)
	assert.False(t, p.IsDev())
	assert.Equal(t, ":9000", p.ListenAddr())
}

func TestValidate(t *testing.T) {
	t.Run("bad port", func(t *testing.T) {
		t.Setenv("SKEIN_PORT", "70000")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("bad limiter", func(t *testing.T) {
		t.Setenv("SKEIN_LIMITER_REFILL", "0")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("unknown mode normalized", func(t *testing.T) {
		t.Setenv("SKEIN_MODE", "staging")
		p, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "dev", p.Mode)
	})
}
