// Package profile loads the engine configuration from environment variables
// and an optional config file.
package profile

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Profile is the configuration to start the engine.
type Profile struct {
	// Mode can be "prod" or "dev"
	Mode string
	// Addr is the binding address for the HTTP facade
	Addr string
	// Port is the binding port for the HTTP facade
	Port int
	// Version is the current engine version
	Version string

	// DefaultProvider is used when a session names none
	DefaultProvider string
	// DefaultModel is used when a session names none
	DefaultModel string

	// Provider endpoints and credentials. Empty API keys fall back to the
	// credential source at request time.
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OllamaBaseURL    string

	// Rate limiter defaults applied to every provider without an override
	LimiterCapacity int
	LimiterRefill   int
	LimiterInterval time.Duration

	// Tool executor
	ToolPermits        int
	ToolDefaultTimeout time.Duration

	// Conversation memory
	MemoryMaxMessages int
	MemoryMaxTokens   int

	// Tool result cache
	CacheCapacity int
	CacheTTL      time.Duration

	// MetricsDSN enables SQLite snapshot persistence when non-empty
	MetricsDSN string
}

// IsDev returns whether the profile runs in dev mode.
func (p *Profile) IsDev() bool { return p.Mode != "prod" }

// Validate checks the profile and normalizes invalid values.
func (p *Profile) Validate() error {
	if p.Mode != "prod" && p.Mode != "dev" {
		p.Mode = "dev"
	}
	if p.Port < 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}
	if p.LimiterCapacity <= 0 || p.LimiterRefill <= 0 || p.LimiterInterval <= 0 {
		return errors.New("limiter capacity, refill and interval must be positive")
	}
	if p.ToolPermits <= 0 {
		return errors.New("tool permits must be positive")
	}
	if p.MemoryMaxMessages <= 0 || p.MemoryMaxTokens <= 0 {
		return errors.New("memory limits must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "dev")
	v.SetDefault("addr", "")
	v.SetDefault("port", 8230)

	v.SetDefault("default_provider", "openai")
	v.SetDefault("default_model", "gpt-4o-mini")

	v.SetDefault("openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("anthropic_base_url", "https://api.anthropic.com")
	v.SetDefault("ollama_base_url", "http://localhost:11434")

	v.SetDefault("limiter_capacity", 10)
	v.SetDefault("limiter_refill", 10)
	v.SetDefault("limiter_interval", time.Minute)

	v.SetDefault("tool_permits", 10)
	v.SetDefault("tool_default_timeout", 30*time.Second)

	v.SetDefault("memory_max_messages", 50)
	v.SetDefault("memory_max_tokens", 4000)

	v.SetDefault("cache_capacity", 1000)
	v.SetDefault("cache_ttl", 5*time.Minute)

	v.SetDefault("metrics_dsn", "")
}

// Load reads the profile from SKEIN_* environment variables and, when
// configFile is non-empty, a yaml config file. Env values win.
func Load(configFile string) (*Profile, error) {
	v := viper.New()
	v.SetEnvPrefix("skein")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}

	p := &Profile{
		Mode:    v.GetString("mode"),
		Addr:    v.GetString("addr"),
		Port:    v.GetInt("port"),
		Version: "0.1.0",

		DefaultProvider: v.GetString("default_provider"),
		DefaultModel:    v.GetString("default_model"),

		OpenAIAPIKey:     v.GetString("openai_api_key"),
		OpenAIBaseURL:    v.GetString("openai_base_url"),
		AnthropicAPIKey:  v.GetString("anthropic_api_key"),
		AnthropicBaseURL: v.GetString("anthropic_base_url"),
		OllamaBaseURL:    v.GetString("ollama_base_url"),

		LimiterCapacity: v.GetInt("limiter_capacity"),
		LimiterRefill:   v.GetInt("limiter_refill"),
		LimiterInterval: v.GetDuration("limiter_interval"),

		ToolPermits:        v.GetInt("tool_permits"),
		ToolDefaultTimeout: v.GetDuration("tool_default_timeout"),

		MemoryMaxMessages: v.GetInt("memory_max_messages"),
		MemoryMaxTokens:   v.GetInt("memory_max_tokens"),

		CacheCapacity: v.GetInt("cache_capacity"),
		CacheTTL:      v.GetDuration("cache_ttl"),

		MetricsDSN: v.GetString("metrics_dsn"),
	}

	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid profile")
	}
	return p, nil
}

// ListenAddr returns the address the HTTP facade binds to.
func (p *Profile) ListenAddr() string {
	return fmt.Sprintf("%s:%d", p.Addr, p.Port)
}
