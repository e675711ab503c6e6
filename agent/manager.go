package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orvane/skein/credential"
	skeinerr "github.com/orvane/skein/internal/errors"
	"github.com/orvane/skein/internal/observability"
	"github.com/orvane/skein/memory"
	"github.com/orvane/skein/metrics"
	"github.com/orvane/skein/provider"
	"github.com/orvane/skein/tool"
)

// Options wires the manager's collaborators.
type Options struct {
	DefaultProvider string
	DefaultModel    string
	// SessionTTL, when positive, enables a background sweep destroying
	// sessions idle longer than the TTL.
	SessionTTL time.Duration

	Memory      *memory.Manager
	Registry    *tool.Registry
	Executor    *tool.Executor
	Providers   *provider.Registry
	Credentials credential.Source
	Metrics     *metrics.Collector
	Estimator   CostEstimator
	Logger      *slog.Logger
}

// Manager owns the session table and runs turns.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	memory      *memory.Manager
	registry    *tool.Registry
	executor    *tool.Executor
	providers   *provider.Registry
	credentials credential.Source
	metrics     *metrics.Collector
	estimator   CostEstimator
	logger      *slog.Logger

	defaultProvider string
	defaultModel    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates the manager and starts the optional idle-session sweep.
func NewManager(opts Options) *Manager {
	if opts.Estimator == nil {
		opts.Estimator = NewLinearEstimator()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Credentials == nil {
		opts.Credentials = credential.NewEnvSource("")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions:        make(map[string]*Session),
		memory:          opts.Memory,
		registry:        opts.Registry,
		executor:        opts.Executor,
		providers:       opts.Providers,
		credentials:     opts.Credentials,
		metrics:         opts.Metrics,
		estimator:       opts.Estimator,
		logger:          opts.Logger,
		defaultProvider: opts.DefaultProvider,
		defaultModel:    opts.DefaultModel,
		ctx:             ctx,
		cancel:          cancel,
	}

	if opts.SessionTTL > 0 {
		m.wg.Add(1)
		go m.sweepLoop(opts.SessionTTL)
	}
	return m
}

// Close stops background work. Sessions and memory are process-lifetime
// state; Close does not persist anything.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// CreateSession allocates a session and pins its system prompt, if any.
func (m *Manager) CreateSession(agentType string, cfg SessionConfig) (string, error) {
	if cfg.Provider == "" {
		cfg.Provider = m.defaultProvider
	}
	if cfg.Model == "" {
		cfg.Model = m.defaultModel
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if _, err := m.providers.Get(cfg.Provider); err != nil {
		return "", skeinerr.InvalidConfiguration("unknown provider " + cfg.Provider)
	}

	now := time.Now()
	s := &Session{
		ID:        uuid.New().String(),
		AgentType: agentType,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if cfg.SystemPrompt != "" {
		m.memory.Append(s.ID, memory.NewMessage(memory.RoleSystem, cfg.SystemPrompt))
	}

	m.logger.Info("session created",
		observability.LogFieldSessionID, s.ID,
		observability.LogFieldProvider, cfg.Provider,
		observability.LogFieldModel, cfg.Model,
		"agent_type", agentType)
	return s.ID, nil
}

// DestroySession removes the session and clears its memory.
func (m *Manager) DestroySession(id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return skeinerr.SessionNotFound(id)
	}
	m.memory.Clear(id)
	m.logger.Info("session destroyed", observability.LogFieldSessionID, id)
	return nil
}

// GetSession returns a snapshot of the session.
func (m *Manager) GetSession(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ListSessions returns the ids of all live sessions.
func (m *Manager) ListSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// GetHistory returns up to limit recent messages of the session. A
// destroyed or never-created session has an empty history, not an error.
func (m *Manager) GetHistory(id string, limit int) []memory.Message {
	return m.memory.History(id, limit)
}

// MemoryStats returns the session's retained-memory statistics.
func (m *Manager) MemoryStats(id string) (memory.Stats, error) {
	if _, ok := m.GetSession(id); !ok {
		return memory.Stats{}, skeinerr.SessionNotFound(id)
	}
	stats, _ := m.memory.Stats(id)
	return stats, nil
}

// SendMessage runs one turn. The error return covers session management
// only; inference and tool failures surface inside the Result.
func (m *Manager) SendMessage(ctx context.Context, sessionID, text string, toolsEnabled bool) (*Result, error) {
	return m.runTurn(ctx, sessionID, text, toolsEnabled, nil)
}

// StreamMessage runs one turn, pushing incremental deltas into sink. The
// sink sees chunks in generation order across all loop iterations and
// exactly one final marker, emitted when the turn ends.
func (m *Manager) StreamMessage(ctx context.Context, sessionID, text string, toolsEnabled bool, sink provider.StreamSink) (*Result, error) {
	if sink == nil {
		return nil, skeinerr.InvalidConfiguration("nil stream sink")
	}
	res, err := m.runTurn(ctx, sessionID, text, toolsEnabled, sink)
	if err != nil {
		return nil, err
	}
	if sinkErr := sink(provider.Delta{Final: true}); sinkErr != nil {
		return nil, sinkErr
	}
	return res, nil
}

func (m *Manager) runTurn(ctx context.Context, sessionID, text string, toolsEnabled bool, sink provider.StreamSink) (*Result, error) {
	session, ok := m.GetSession(sessionID)
	if !ok {
		return nil, skeinerr.SessionNotFound(sessionID)
	}
	cfg := session.Config

	client, err := m.providers.Get(cfg.Provider)
	if err != nil {
		return nil, err
	}

	reqCtx := observability.NewRequestContext(m.logger, sessionID, cfg.Provider)
	reqCtx.Debug("turn started",
		slog.String(observability.LogFieldModel, cfg.Model),
		slog.Bool("tools_enabled", toolsEnabled))

	m.memory.Append(sessionID, memory.NewMessage(memory.RoleUser, text))

	prompt := m.buildPrompt(sessionID)
	apiKey := m.resolveCredential(ctx, cfg)

	var defs []tool.Definition
	if toolsEnabled {
		defs = m.registry.Definitions()
	}

	var (
		content       string
		toolResults   []tool.Result
		toolsExecuted []string
		usage         provider.Usage
		iterations    int
		turnErr       error
	)

	start := time.Now()
	for iterations = 1; iterations <= cfg.MaxIterations; iterations++ {
		req := provider.Request{
			Model:       cfg.Model,
			Messages:    prompt,
			Tools:       defs,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			APIKey:      apiKey,
			Extra:       cfg.Extra,
		}

		resp, err := m.generate(ctx, client, req, sink)
		if err != nil {
			turnErr = skeinerr.InferenceFailed(err)
			break
		}
		usage.Add(resp.Usage)

		prompt = append(prompt, provider.ChatMessage{
			Role:      string(memory.RoleAssistant),
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		content = resp.Content

		if len(resp.ToolCalls) == 0 || !toolsEnabled {
			break
		}

		results := m.executeCalls(ctx, cfg, resp.ToolCalls)
		for i, res := range results {
			toolResults = append(toolResults, res)
			toolsExecuted = append(toolsExecuted, res.Tool)
			prompt = append(prompt, provider.ChatMessage{
				Role:       string(memory.RoleTool),
				Content:    toolMessageContent(res),
				ToolCallID: resp.ToolCalls[i].ID,
			})
		}
		reqCtx.Debug("tool results appended",
			slog.Int(observability.LogFieldIteration, iterations),
			slog.Int("calls", len(results)))
	}
	if iterations > cfg.MaxIterations {
		// soft stop: the last assistant content is still the answer
		iterations = cfg.MaxIterations
		reqCtx.Warn("iteration ceiling reached",
			slog.Int(observability.LogFieldIteration, iterations))
	}

	duration := time.Since(start)
	cost := m.estimator.Estimate(cfg.Model, usage)

	result := &Result{
		Content:   content,
		ToolCalls: toolResults,
		Success:   turnErr == nil,
		Metadata: Metadata{
			TokensUsed:    usage.TotalTokens,
			Duration:      duration,
			ToolsExecuted: toolsExecuted,
			Iterations:    iterations,
			CostUSD:       cost,
			Model:         cfg.Model,
			Provider:      cfg.Provider,
		},
	}

	if turnErr != nil {
		result.Content = ""
		result.Error = turnErr.Error()
		reqCtx.Error("turn failed", turnErr,
			slog.Int64(observability.LogFieldDuration, duration.Milliseconds()))
		m.finishTurn(sessionID, session.AgentType, result, false)
		return result, nil
	}

	if content != "" {
		m.memory.Append(sessionID, memory.NewMessage(memory.RoleAssistant, content))
	}
	m.finishTurn(sessionID, session.AgentType, result, true)

	reqCtx.Info("turn completed",
		slog.Int(observability.LogFieldIteration, iterations),
		slog.Int(observability.LogFieldTokens, usage.TotalTokens),
		slog.Int("tools_executed", len(toolsExecuted)),
		slog.Int64(observability.LogFieldDuration, duration.Milliseconds()))
	return result, nil
}

// generate performs one inference call, recording provider metrics either way.
func (m *Manager) generate(ctx context.Context, client provider.Client, req provider.Request, sink provider.StreamSink) (*provider.Response, error) {
	start := time.Now()

	var resp *provider.Response
	var err error
	if sink != nil {
		// the turn emits the single final marker; per-call markers are
		// swallowed here
		resp, err = client.Stream(ctx, req, func(d provider.Delta) error {
			if d.Final {
				return nil
			}
			return sink(d)
		})
	} else {
		resp, err = client.Generate(ctx, req)
	}

	latency := time.Since(start)
	if m.metrics != nil {
		var tokens int64
		var cost float64
		if resp != nil {
			tokens = int64(resp.Usage.TotalTokens)
			cost = m.estimator.Estimate(req.Model, resp.Usage)
		}
		m.metrics.RecordProviderRequest(client.ID(), latency, tokens, cost, err == nil)
	}
	return resp, err
}

func (m *Manager) executeCalls(ctx context.Context, cfg SessionConfig, calls []tool.Call) []tool.Result {
	if cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ToolTimeout)
		defer cancel()
	}
	if cfg.ParallelTools && len(calls) > 1 {
		return m.executor.ExecuteParallel(ctx, calls)
	}
	results := make([]tool.Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, m.executor.Execute(ctx, call, ""))
	}
	return results
}

// buildPrompt converts the retained history into provider messages.
func (m *Manager) buildPrompt(sessionID string) []provider.ChatMessage {
	history := m.memory.History(sessionID, 0)
	prompt := make([]provider.ChatMessage, 0, len(history))
	for _, msg := range history {
		prompt = append(prompt, provider.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return prompt
}

func (m *Manager) resolveCredential(ctx context.Context, cfg SessionConfig) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	key, err := m.credentials.Get(ctx, cfg.Provider)
	if err != nil {
		// local providers need no key; remote ones will fail with an
		// auth provider error carrying the real cause
		m.logger.Debug("credential lookup failed",
			observability.LogFieldProvider, cfg.Provider,
			"error", err)
		return ""
	}
	return key
}

// finishTurn updates the session counters and records agent metrics.
func (m *Manager) finishTurn(sessionID, agentType string, res *Result, success bool) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.UpdatedAt = time.Now()
		s.MessageCount++
		if success && res.Content != "" {
			s.MessageCount++
		}
		s.TotalTokens += res.Metadata.TokensUsed
		s.TotalCost += res.Metadata.CostUSD
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordAgentRequest(agentType, res.Metadata.Duration,
			int64(res.Metadata.TokensUsed), res.Metadata.CostUSD, success)
	}
}

// toolMessageContent serializes a tool result for the model. Failures become
// a structured error payload instead of aborting the turn.
func toolMessageContent(res tool.Result) string {
	if res.Success {
		return res.Output
	}
	payload, err := json.Marshal(map[string]string{
		"error": res.Error,
		"tool":  res.Tool,
	})
	if err != nil {
		return res.Error
	}
	return string(payload)
}

// sweepLoop destroys sessions idle longer than ttl.
func (m *Manager) sweepLoop(ttl time.Duration) {
	defer m.wg.Done()

	interval := ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-ttl)
			var stale []string
			m.mu.RLock()
			for id, s := range m.sessions {
				if s.UpdatedAt.Before(cutoff) {
					stale = append(stale, id)
				}
			}
			m.mu.RUnlock()
			for _, id := range stale {
				if err := m.DestroySession(id); err == nil {
					m.logger.Debug("stale session swept", observability.LogFieldSessionID, id)
				}
			}
		}
	}
}
