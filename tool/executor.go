package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/orvane/skein/cache"
	skeinerr "github.com/orvane/skein/internal/errors"
)

// Recorder receives execution outcomes for aggregate metrics. The metrics
// collector satisfies it; a nil recorder disables reporting.
type Recorder interface {
	RecordToolCall(name string, duration time.Duration, success bool)
}

// Executor runs tools behind a process-wide concurrency gate with per-call
// timeouts and an optional TTL result cache. All tool invocations in the
// process share the same gate regardless of which turn requested them.
type Executor struct {
	registry *Registry
	gate     *semaphore.Weighted
	cache    *cache.Service
	recorder Recorder

	defaultTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithPermits sets the size of the shared concurrency gate.
func WithPermits(n int64) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.gate = semaphore.NewWeighted(n)
		}
	}
}

// WithDefaultTimeout sets the timeout for tools that do not declare one.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithCache attaches a result cache.
func WithCache(c *cache.Service) ExecutorOption {
	return func(e *Executor) {
		e.cache = c
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) {
		e.recorder = r
	}
}

// NewExecutor creates an executor over the registry. Defaults: 10 permits,
// 30s per-call timeout, no cache, no recorder.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       registry,
		gate:           semaphore.NewWeighted(10),
		defaultTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one tool call. When cacheKey is non-empty and a live cached
// result exists it is returned as-is: no permit is consumed and no metrics
// are recorded. All failures are folded into the Result.
func (e *Executor) Execute(ctx context.Context, call Call, cacheKey string) Result {
	if cacheKey != "" {
		if cached, ok := e.lookupCache(cacheKey); ok {
			slog.Debug("tool cache hit", "tool", call.Name, "call_id", call.ID)
			cached.CallID = call.ID
			return cached
		}
	}

	if err := e.gate.Acquire(ctx, 1); err != nil {
		return Result{
			CallID:  call.ID,
			Tool:    call.Name,
			Success: false,
			Error:   (&skeinerr.EngineError{Code: skeinerr.ErrCodeTooManyConcurrentTools, Message: "concurrency gate wait aborted", Cause: err}).Error(),
		}
	}
	defer e.gate.Release(1)

	t, ok := e.registry.Get(call.Name)
	if !ok {
		return Result{
			CallID:  call.ID,
			Tool:    call.Name,
			Success: false,
			Error:   skeinerr.ToolNotFound(call.Name).Error(),
		}
	}

	limit := t.Timeout()
	if limit <= 0 {
		limit = e.defaultTimeout
	}

	start := time.Now()
	output, err := e.runWithTimeout(ctx, t, call.Arguments, limit)
	duration := time.Since(start)

	result := Result{
		CallID:   call.ID,
		Tool:     call.Name,
		Output:   output,
		Success:  err == nil,
		Duration: duration,
	}
	if err != nil {
		result.Error = err.Error()
		slog.Warn("tool execution failed",
			"tool", call.Name,
			"call_id", call.ID,
			"duration", duration,
			"error", err)
	} else {
		slog.Debug("tool execution succeeded",
			"tool", call.Name,
			"call_id", call.ID,
			"duration", duration)
	}

	if result.Success && cacheKey != "" && t.Cacheable() && e.cache != nil {
		if data, err := json.Marshal(result); err == nil {
			e.cache.Set(cacheKey, data, t.CacheTTL())
		}
	}

	e.registry.RecordExecution(call.Name, duration, result.Success)
	if e.recorder != nil {
		e.recorder.RecordToolCall(call.Name, duration, result.Success)
	}

	return result
}

// ExecuteParallel fans calls out concurrently, each still subject to the
// shared gate. One call's failure never aborts the others; results are
// returned in input order.
func (e *Executor) ExecuteParallel(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			results[i] = e.Execute(ctx, call, "")
		}(i, call)
	}
	wg.Wait()

	return results
}

// ClearCache drops every cached tool result.
func (e *Executor) ClearCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// runWithTimeout races the tool against its limit. A timed-out invocation
// keeps running in the background; its eventual result is discarded.
func (e *Executor) runWithTimeout(ctx context.Context, t Tool, args map[string]any, limit time.Duration) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		output, err := t.Execute(execCtx, args)
		done <- outcome{output: output, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return "", skeinerr.ToolExecutionFailed(t.Name(), o.err)
		}
		return o.output, nil
	case <-execCtx.Done():
		if execCtx.Err() == context.DeadlineExceeded {
			return "", skeinerr.ToolTimeout(t.Name(), limit)
		}
		return "", skeinerr.ToolExecutionFailed(t.Name(), execCtx.Err())
	}
}

func (e *Executor) lookupCache(key string) (Result, bool) {
	if e.cache == nil {
		return Result{}, false
	}
	data, ok := e.cache.Get(key)
	if !ok {
		return Result{}, false
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, false
	}
	return result, true
}
