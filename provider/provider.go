// Package provider abstracts model backends behind a uniform generate/stream
// contract so the orchestration loop stays provider-agnostic. Wire-format
// translation lives entirely inside the adapters.
package provider

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	skeinerr "github.com/orvane/skein/internal/errors"
	"github.com/orvane/skein/tool"
)

// FinishReason explains why the model stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishMaxTokens     FinishReason = "max_tokens"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishOther         FinishReason = "other"
)

// Usage is the token accounting for one inference call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ChatMessage is one prompt message in the uniform schema. ToolCalls is set
// on assistant messages that requested tools; ToolCallID ties a tool-role
// message back to the call it answers.
type ChatMessage struct {
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []tool.Call `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// Request is a uniform inference request.
type Request struct {
	Model       string
	Messages    []ChatMessage
	Tools       []tool.Definition
	Temperature float32
	MaxTokens   int
	APIKey      string
	Extra       map[string]string
}

// Response is a uniform inference response.
type Response struct {
	Content      string
	ToolCalls    []tool.Call
	FinishReason FinishReason
	Usage        Usage
}

// ToolCallFragment is a partial tool call observed mid-stream. Index groups
// fragments belonging to the same call; Arguments arrives as raw JSON text
// accumulated across fragments.
type ToolCallFragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Delta is one incremental chunk of a streamed response. Exactly one delta
// per stream carries Final=true, and it arrives last.
type Delta struct {
	Text     string
	ToolCall *ToolCallFragment
	Final    bool
}

// StreamSink receives deltas in generation order. Returning an error aborts
// the stream.
type StreamSink func(Delta) error

// Client is the uniform inference contract every adapter implements.
type Client interface {
	// ID returns the provider identifier (openai, anthropic, ollama).
	ID() string
	// Generate performs one blocking completion.
	Generate(ctx context.Context, req Request) (*Response, error)
	// Stream performs a completion, pushing deltas into sink, and returns
	// the fully accumulated response.
	Stream(ctx context.Context, req Request, sink StreamSink) (*Response, error)
}

// Gate admits a request for a provider, blocking until a rate-limit token is
// available. *ratelimit.Limiter satisfies it.
type Gate interface {
	Acquire(ctx context.Context, provider string) error
}

// Registry maps provider ids to clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a client under its own id, replacing any previous one.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID()] = c
}

// Get returns the client for a provider id.
func (r *Registry) Get(id string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, skeinerr.ProviderError(id, skeinerr.ProviderErrorUnsupported, "not registered", nil)
	}
	return c, nil
}

// List returns the registered provider ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// assembleToolCalls turns accumulated stream fragments, ordered by index,
// into finished calls. Fragments with unparsable argument JSON keep an empty
// argument map rather than failing the whole stream.
func assembleToolCalls(frags map[int]*ToolCallFragment) []tool.Call {
	if len(frags) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(frags))
	for i := range frags {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]tool.Call, 0, len(frags))
	for _, i := range indexes {
		f := frags[i]
		calls = append(calls, tool.Call{
			ID:        f.ID,
			Name:      f.Name,
			Arguments: parseArguments(f.Arguments),
		})
	}
	return calls
}

// parseArguments decodes a JSON object of tool arguments. Empty or invalid
// payloads decode to an empty map; argument validation is the tool's job.
func parseArguments(raw string) map[string]any {
	args := make(map[string]any)
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return make(map[string]any)
	}
	return args
}
