// skeind hosts the orchestration engine behind its HTTP facade.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orvane/skein/agent"
	"github.com/orvane/skein/cache"
	"github.com/orvane/skein/credential"
	"github.com/orvane/skein/internal/profile"
	"github.com/orvane/skein/memory"
	"github.com/orvane/skein/metrics"
	"github.com/orvane/skein/provider"
	"github.com/orvane/skein/ratelimit"
	"github.com/orvane/skein/server"
	"github.com/orvane/skein/store"
	"github.com/orvane/skein/tool"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "skeind",
		Short: "Agent orchestration engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := profile.Load(configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), p)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to yaml config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, p *profile.Profile) error {
	logger := newLogger(p)
	slog.SetDefault(logger)
	logger.Info("starting skeind",
		"version", p.Version,
		"mode", p.Mode,
		"addr", p.ListenAddr())

	limiterCfg := ratelimit.Config{
		Capacity: p.LimiterCapacity,
		Refill:   p.LimiterRefill,
		Interval: p.LimiterInterval,
	}
	limiter := ratelimit.New(map[string]ratelimit.Config{
		"openai":    limiterCfg,
		"anthropic": limiterCfg,
		"ollama":    limiterCfg,
	})

	toolCache := cache.New(cache.Config{
		Capacity:   p.CacheCapacity,
		DefaultTTL: p.CacheTTL,
	})
	defer toolCache.Close()

	collector := metrics.NewCollector()

	var persister *metrics.Persister
	if p.MetricsDSN != "" {
		st, err := store.Open(ctx, p.MetricsDSN)
		if err != nil {
			return err
		}
		defer st.Close()
		persister = metrics.NewPersister(st, collector, metrics.PersisterConfig{})
		persister.Start()
		defer persister.Close()
	}

	registry := tool.NewRegistry()
	if err := registerBuiltinTools(registry); err != nil {
		return err
	}

	executor := tool.NewExecutor(registry,
		tool.WithPermits(int64(p.ToolPermits)),
		tool.WithDefaultTimeout(p.ToolDefaultTimeout),
		tool.WithCache(toolCache),
		tool.WithRecorder(collector),
	)

	providers := provider.NewRegistry()
	providers.Register(provider.NewOpenAIClient(provider.OpenAIConfig{
		BaseURL: p.OpenAIBaseURL,
		APIKey:  p.OpenAIAPIKey,
	}, limiter))
	providers.Register(provider.NewAnthropicClient(provider.AnthropicConfig{
		BaseURL: p.AnthropicBaseURL,
		APIKey:  p.AnthropicAPIKey,
	}, limiter))
	providers.Register(provider.NewOllamaClient(provider.OllamaConfig{
		BaseURL: p.OllamaBaseURL,
	}, limiter))

	mem := memory.NewManager(memory.Config{
		MaxMessages: p.MemoryMaxMessages,
		MaxTokens:   p.MemoryMaxTokens,
	})
	defer mem.Close()

	manager := agent.NewManager(agent.Options{
		DefaultProvider: p.DefaultProvider,
		DefaultModel:    p.DefaultModel,
		Memory:          mem,
		Registry:        registry,
		Executor:        executor,
		Providers:       providers,
		Credentials:     credential.NewEnvSource(""),
		Metrics:         collector,
		Logger:          logger,
	})
	defer manager.Close()

	srv := server.New(manager, registry, collector, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(p.ListenAddr())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func newLogger(p *profile.Profile) *slog.Logger {
	level := slog.LevelInfo
	if p.IsDev() {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if p.IsDev() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
