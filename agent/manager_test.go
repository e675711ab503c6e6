package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orvane/skein/credential"
	skeinerr "github.com/orvane/skein/internal/errors"
	"github.com/orvane/skein/memory"
	"github.com/orvane/skein/metrics"
	"github.com/orvane/skein/provider"
	"github.com/orvane/skein/tool"
)

type echoTool struct {
	name    string
	fail    bool
	calls   int
	timeout time.Duration
}

func (e *echoTool) Name() string                  { return e.name }
func (e *echoTool) Description() string           { return "echoes its input" }
func (e *echoTool) Parameters() map[string]any    { return map[string]any{"type": "object"} }
func (e *echoTool) Cacheable() bool               { return false }
func (e *echoTool) CacheTTL() time.Duration       { return 0 }
func (e *echoTool) Timeout() time.Duration        { return e.timeout }
func (e *echoTool) Execute(_ context.Context, args map[string]any) (string, error) {
	e.calls++
	if e.fail {
		return "", errors.New("echo broke")
	}
	if v, ok := args["text"].(string); ok {
		return v, nil
	}
	return "echo", nil
}

type testEngine struct {
	manager  *Manager
	mem      *memory.Manager
	client   *provider.MockClient
	tool     *echoTool
	registry *tool.Registry
	metrics  *metrics.Collector
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	mem := memory.NewManager(memory.Config{MaxMessages: 50, MaxTokens: 4000})
	t.Cleanup(mem.Close)

	registry := tool.NewRegistry()
	et := &echoTool{name: "echo"}
	require.NoError(t, registry.Register(et))

	client := &provider.MockClient{IDValue: "mock"}
	providers := provider.NewRegistry()
	providers.Register(client)

	collector := metrics.NewCollector()
	executor := tool.NewExecutor(registry, tool.WithRecorder(collector))

	manager := NewManager(Options{
		DefaultProvider: "mock",
		DefaultModel:    "test-model",
		Memory:          mem,
		Registry:        registry,
		Executor:        executor,
		Providers:       providers,
		Credentials:     credential.StaticSource{"mock": "key"},
		Metrics:         collector,
	})
	t.Cleanup(manager.Close)

	return &testEngine{
		manager:  manager,
		mem:      mem,
		client:   client,
		tool:     et,
		registry: registry,
		metrics:  collector,
	}
}

func toolCallResponse(name string, args map[string]any) *provider.Response {
	return &provider.Response{
		ToolCalls:    []tool.Call{{ID: "call_1", Name: name, Arguments: args}},
		FinishReason: provider.FinishToolCalls,
		Usage:        provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func textResponse(text string) *provider.Response {
	return &provider.Response{
		Content:      text,
		FinishReason: provider.FinishStop,
		Usage:        provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func TestSendMessage_SimpleTurn(t *testing.T) {
	e := newTestEngine(t)
	e.client.GenerateFunc = func(_ context.Context, _ provider.Request) (*provider.Response, error) {
		return textResponse("hello there"), nil
	}

	id, err := e.manager.CreateSession("coder", SessionConfig{SystemPrompt: "be brief"})
	require.NoError(t, err)

	res, err := e.manager.SendMessage(context.Background(), id, "hi", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello there", res.Content)
	assert.Equal(t, 1, res.Metadata.Iterations)
	assert.Equal(t, 15, res.Metadata.TokensUsed)
	assert.Empty(t, res.ToolCalls)

	// system + user + assistant retained
	history := e.manager.GetHistory(id, 0)
	require.Len(t, history, 3)
	assert.Equal(t, memory.RoleSystem, history[0].Role)
	assert.Equal(t, memory.RoleAssistant, history[2].Role)

	s, ok := e.manager.GetSession(id)
	require.True(t, ok)
	assert.Equal(t, 2, s.MessageCount)
	assert.Equal(t, 15, s.TotalTokens)
	assert.Greater(t, s.TotalCost, 0.0)

	stats, ok := e.metrics.AgentStats("coder")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Requests)
}

func TestSendMessage_ToolLoop(t *testing.T) {
	e := newTestEngine(t)
	e.client.GenerateFunc = func(_ context.Context, req provider.Request) (*provider.Response, error) {
		if e.client.RequestCount() == 1 {
			return toolCallResponse("echo", map[string]any{"text": "pong"}), nil
		}
		return textResponse("the tool said pong"), nil
	}

	id, err := e.manager.CreateSession("coder", SessionConfig{})
	require.NoError(t, err)

	res, err := e.manager.SendMessage(context.Background(), id, "ping the tool", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "the tool said pong", res.Content)
	assert.Equal(t, 2, res.Metadata.Iterations)
	assert.Equal(t, []string{"echo"}, res.Metadata.ToolsExecuted)
	assert.Equal(t, 30, res.Metadata.TokensUsed)
	assert.Equal(t, 1, e.tool.calls)

	// the second request must carry the tool result back to the model
	second := e.client.Requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "pong", last.Content)
	assert.Equal(t, "call_1", last.ToolCallID)
}

func TestSendMessage_IterationCeiling(t *testing.T) {
	e := newTestEngine(t)
	e.client.GenerateFunc = func(_ context.Context, _ provider.Request) (*provider.Response, error) {
		resp := toolCallResponse("echo", map[string]any{"text": "again"})
		resp.Content = "still working"
		return resp, nil
	}

	id, err := e.manager.CreateSession("coder", SessionConfig{MaxIterations: 3})
	require.NoError(t, err)

	res, err := e.manager.SendMessage(context.Background(), id, "loop forever", true)
	require.NoError(t, err)

	// ceiling is a soft stop: last assistant content comes back, no error
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Equal(t, "still working", res.Content)
	assert.Equal(t, 3, res.Metadata.Iterations)
	assert.Equal(t, 3, e.client.RequestCount())
	assert.Equal(t, 3, e.tool.calls)
}

func TestSendMessage_ToolFailureRecovers(t *testing.T) {
	e := newTestEngine(t)
	e.tool.fail = true
	e.client.GenerateFunc = func(_ context.Context, req provider.Request) (*provider.Response, error) {
		if e.client.RequestCount() == 1 {
			return toolCallResponse("echo", nil), nil
		}
		return textResponse("the tool is broken, sorry"), nil
	}

	id, err := e.manager.CreateSession("coder", SessionConfig{})
	require.NoError(t, err)

	res, err := e.manager.SendMessage(context.Background(), id, "try the tool", true)
	require.NoError(t, err)

	// a failing tool never aborts the turn
	assert.True(t, res.Success)
	assert.Equal(t, "the tool is broken, sorry", res.Content)
	require.Len(t, res.ToolCalls, 1)
	assert.False(t, res.ToolCalls[0].Success)

	second := e.client.Requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "error")
	assert.Contains(t, last.Content, "echo broke")
}

func TestSendMessage_InferenceFailureAbortsTurn(t *testing.T) {
	e := newTestEngine(t)
	e.client.GenerateFunc = func(_ context.Context, _ provider.Request) (*provider.Response, error) {
		return nil, skeinerr.ProviderError("mock", skeinerr.ProviderErrorHTTP, "boom", nil)
	}

	id, err := e.manager.CreateSession("coder", SessionConfig{})
	require.NoError(t, err)

	res, err := e.manager.SendMessage(context.Background(), id, "hi", false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.Content)
	assert.Contains(t, res.Error, "INFERENCE_FAILED")

	// the user message is retained, no assistant message is
	history := e.manager.GetHistory(id, 0)
	require.Len(t, history, 1)
	assert.Equal(t, memory.RoleUser, history[0].Role)
}

func TestSendMessage_UnknownSession(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.manager.SendMessage(context.Background(), "nope", "hi", false)
	assert.True(t, skeinerr.IsCode(err, skeinerr.ErrCodeSessionNotFound))
}

func TestCreateSession_UnknownProvider(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.manager.CreateSession("coder", SessionConfig{Provider: "missing"})
	assert.True(t, skeinerr.IsCode(err, skeinerr.ErrCodeInvalidConfiguration))
}

func TestDestroySession(t *testing.T) {
	e := newTestEngine(t)
	id, err := e.manager.CreateSession("coder", SessionConfig{SystemPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, e.mem.SessionCount())

	require.NoError(t, e.manager.DestroySession(id))
	assert.Equal(t, 0, e.mem.SessionCount())
	assert.Empty(t, e.manager.ListSessions())

	err = e.manager.DestroySession(id)
	assert.True(t, skeinerr.IsCode(err, skeinerr.ErrCodeSessionNotFound))
}

func TestGetHistory_EmptyAfterDestroy(t *testing.T) {
	e := newTestEngine(t)
	e.client.GenerateFunc = func(_ context.Context, _ provider.Request) (*provider.Response, error) {
		return textResponse("hi there"), nil
	}

	id, err := e.manager.CreateSession("coder", SessionConfig{SystemPrompt: "be brief"})
	require.NoError(t, err)

	_, err = e.manager.SendMessage(context.Background(), id, "hi", false)
	require.NoError(t, err)
	require.Len(t, e.manager.GetHistory(id, 0), 3)

	require.NoError(t, e.manager.DestroySession(id))

	// destroyed sessions read back as empty, never as an error
	assert.Empty(t, e.manager.GetHistory(id, 0))
	assert.Empty(t, e.manager.GetHistory("never-existed", 0))
}

func TestStreamMessage(t *testing.T) {
	e := newTestEngine(t)
	e.client.StreamFunc = func(_ context.Context, req provider.Request, sink provider.StreamSink) (*provider.Response, error) {
		for _, chunk := range []string{"hel", "lo"} {
			if err := sink(provider.Delta{Text: chunk}); err != nil {
				return nil, err
			}
		}
		// adapters emit their own final marker per call
		if err := sink(provider.Delta{Final: true}); err != nil {
			return nil, err
		}
		return textResponse("hello"), nil
	}

	id, err := e.manager.CreateSession("coder", SessionConfig{})
	require.NoError(t, err)

	var text string
	finals := 0
	res, err := e.manager.StreamMessage(context.Background(), id, "hi", false, func(d provider.Delta) error {
		text += d.Text
		if d.Final {
			finals++
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hel"+"lo", text)
	assert.Equal(t, 1, finals)
}

func TestLinearEstimator(t *testing.T) {
	est := NewLinearEstimator()

	known := est.Estimate("gpt-4o-mini", provider.Usage{TotalTokens: 2000})
	assert.InDelta(t, 0.0009, known, 1e-9)

	unknown := est.Estimate("some-model", provider.Usage{TotalTokens: 1000})
	assert.InDelta(t, est.DefaultPerThousand, unknown, 1e-9)
}
