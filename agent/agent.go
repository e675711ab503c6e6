// Package agent owns session lifecycle and the per-turn orchestration loop
// that ties memory, inference, tools and metrics together.
package agent

import (
	"time"

	"github.com/orvane/skein/provider"
	"github.com/orvane/skein/tool"
)

const defaultMaxIterations = 10

// SessionConfig is the caller-supplied configuration for one session.
type SessionConfig struct {
	// Provider names the inference backend; empty uses the manager default.
	Provider string `json:"provider,omitempty"`
	// Model names the model; empty uses the manager default.
	Model string `json:"model,omitempty"`
	// SystemPrompt, when set, is pinned at the front of the conversation.
	SystemPrompt string `json:"system_prompt,omitempty"`
	// MaxIterations bounds the tool-calling loop per turn (default 10).
	MaxIterations int `json:"max_iterations,omitempty"`
	// ToolTimeout overrides the executor default for this session's calls.
	ToolTimeout time.Duration `json:"tool_timeout,omitempty"`
	// Temperature and MaxTokens are passed to the provider as-is.
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	// ParallelTools fans out a reply's tool calls concurrently.
	ParallelTools bool `json:"parallel_tools,omitempty"`
	// APIKey overrides the credential source for this session.
	APIKey string `json:"-"`
	// Extra carries provider-specific options untouched.
	Extra map[string]string `json:"extra,omitempty"`
}

// Session is a snapshot of one session's state and cumulative counters.
type Session struct {
	ID           string        `json:"id"`
	AgentType    string        `json:"agent_type"`
	Config       SessionConfig `json:"config"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	MessageCount int           `json:"message_count"`
	TotalTokens  int           `json:"total_tokens"`
	TotalCost    float64       `json:"total_cost"`
}

// Metadata describes how a turn went.
type Metadata struct {
	TokensUsed    int           `json:"tokens_used"`
	Duration      time.Duration `json:"duration"`
	ToolsExecuted []string      `json:"tools_executed,omitempty"`
	Iterations    int           `json:"iterations"`
	CostUSD       float64       `json:"cost_usd"`
	Model         string        `json:"model"`
	Provider      string        `json:"provider"`
}

// Result is the outcome of one turn. A failed turn carries Error and
// Success=false; the error return of SendMessage is reserved for session
// management failures (unknown session), never for inference problems.
type Result struct {
	Content   string        `json:"content"`
	ToolCalls []tool.Result `json:"tool_calls,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Metadata  Metadata      `json:"metadata"`
}

// CostEstimator turns token usage into an approximate dollar cost.
type CostEstimator interface {
	Estimate(model string, usage provider.Usage) float64
}

// LinearEstimator charges a flat rate per thousand tokens, with per-model
// overrides. An approximation, not a pricing model.
type LinearEstimator struct {
	PerThousand        map[string]float64
	DefaultPerThousand float64
}

// NewLinearEstimator creates an estimator with a conservative default rate.
func NewLinearEstimator() *LinearEstimator {
	return &LinearEstimator{
		PerThousand: map[string]float64{
			"gpt-4o":            0.0075,
			"gpt-4o-mini":       0.00045,
			"claude-sonnet-4-5": 0.009,
			"claude-haiku-4-5":  0.003,
		},
		DefaultPerThousand: 0.002,
	}
}

// Estimate implements CostEstimator.
func (e *LinearEstimator) Estimate(model string, usage provider.Usage) float64 {
	rate, ok := e.PerThousand[model]
	if !ok {
		rate = e.DefaultPerThousand
	}
	return float64(usage.TotalTokens) / 1000 * rate
}
