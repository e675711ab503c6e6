// Package tool provides the capability catalog and the bounded-concurrency
// executor the agent loop invokes tools through.
package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Tool is a named capability the model can invoke. Implementations live in
// the host application (filesystem, terminal, git, workspace search); the
// engine only ever holds this interface.
type Tool interface {
	// Name returns the tool's unique identifier.
	Name() string
	// Description explains the tool to the model.
	Description() string
	// Parameters returns the JSON-schema-shaped argument description.
	Parameters() map[string]any
	// Execute runs the tool and returns its serialized output.
	Execute(ctx context.Context, args map[string]any) (string, error)
	// Cacheable reports whether results may be served from cache.
	Cacheable() bool
	// CacheTTL returns how long a cached result stays valid.
	CacheTTL() time.Duration
	// Timeout returns the per-invocation limit; zero means executor default.
	Timeout() time.Duration
}

// Definition is the schema snapshot of a tool offered to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Call is one requested tool invocation.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Result is the outcome of one invocation. A failed call carries Error and
// Success=false; failures never propagate as Go errors past the executor.
type Result struct {
	CallID   string        `json:"call_id,omitempty"`
	Tool     string        `json:"tool"`
	Output   string        `json:"output"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// CacheKey derives a stable cache key from a tool name and its arguments.
// It is the key-derivation helper for hosts that opt a call into result
// caching via Executor.Execute; the orchestration loop itself passes no key.
// Map iteration order must not leak into the key, so keys are sorted before
// hashing.
func CacheKey(name string, args map[string]any) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		if v, err := json.Marshal(args[k]); err == nil {
			h.Write(v)
		}
		h.Write([]byte{0})
	}
	return "tool:" + name + ":" + hex.EncodeToString(h.Sum(nil))
}
