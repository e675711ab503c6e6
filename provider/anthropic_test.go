package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	skeinerr "github.com/orvane/skein/internal/errors"
	"github.com/orvane/skein/tool"
)

func anthropicServer(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropicClient(AnthropicConfig{
		BaseURL: srv.URL,
		APIKey:  "sk-ant",
		Timeout: 5 * time.Second,
	}, NopGate{})
}

func TestAnthropicGenerate(t *testing.T) {
	client := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "you are helpful", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"content": [
				{"type": "text", "text": "checking "},
				{"type": "tool_use", "id": "toolu_1", "name": "clock", "input": {"tz": "UTC"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 30, "output_tokens": 10}
		}`)
	})

	resp, err := client.Generate(context.Background(), Request{
		Model: "claude-sonnet-4-5",
		Messages: []ChatMessage{
			{Role: "system", Content: "you are helpful"},
			{Role: "user", Content: "what time is it"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "checking ", resp.Content)
	assert.Equal(t, FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "UTC", resp.ToolCalls[0].Arguments["tz"])
	assert.Equal(t, 40, resp.Usage.TotalTokens)
}

func TestAnthropicGenerate_ToolResultMapping(t *testing.T) {
	var got anthropicRequest
	client := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content": [{"type": "text", "text": "done"}], "stop_reason": "end_turn", "usage": {"input_tokens": 1, "output_tokens": 1}}`)
	})

	_, err := client.Generate(context.Background(), Request{
		Model: "claude-sonnet-4-5",
		Messages: []ChatMessage{
			{Role: "user", Content: "time?"},
			{Role: "assistant", ToolCalls: []tool.Call{{ID: "toolu_1", Name: "clock", Arguments: map[string]any{"tz": "UTC"}}}},
			{Role: "tool", ToolCallID: "toolu_1", Content: "12:00 UTC"},
		},
	})
	require.NoError(t, err)

	require.Len(t, got.Messages, 3)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	require.Len(t, got.Messages[1].Content, 1)
	assert.Equal(t, "tool_use", got.Messages[1].Content[0].Type)
	assert.Equal(t, "toolu_1", got.Messages[1].Content[0].ID)

	assert.Equal(t, "user", got.Messages[2].Role)
	require.Len(t, got.Messages[2].Content, 1)
	assert.Equal(t, "tool_result", got.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_1", got.Messages[2].Content[0].ToolUseID)
	assert.Equal(t, "12:00 UTC", got.Messages[2].Content[0].Content)
}

func TestAnthropicGenerate_HTTPError(t *testing.T) {
	client := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"type": "authentication_error"}}`)
	})

	_, err := client.Generate(context.Background(), Request{Model: "claude-sonnet-4-5"})
	require.Error(t, err)

	var ee *skeinerr.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, skeinerr.ErrCodeProviderError, ee.Code)
	assert.Equal(t, string(skeinerr.ProviderErrorAuth), ee.Context["kind"])
	assert.Equal(t, 401, ee.Context["status"])
}

func TestAnthropicStream(t *testing.T) {
	client := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":25}}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"let me \"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"check\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_1\",\"name\":\"clock\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"tz\\\":\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"\\\"UTC\\\"}\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"tool_use\"},\"usage\":{\"output_tokens\":12}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	})

	var text string
	finals := 0
	resp, err := client.Stream(context.Background(), Request{Model: "claude-sonnet-4-5"}, func(d Delta) error {
		text += d.Text
		if d.Final {
			finals++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "let me check", text)
	assert.Equal(t, "let me check", resp.Content)
	assert.Equal(t, 1, finals)
	assert.Equal(t, FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "clock", resp.ToolCalls[0].Name)
	assert.Equal(t, "UTC", resp.ToolCalls[0].Arguments["tz"])
	assert.Equal(t, Usage{PromptTokens: 25, CompletionTokens: 12, TotalTokens: 37}, resp.Usage)
}

func TestAnthropicStopReasonMapping(t *testing.T) {
	assert.Equal(t, FinishStop, fromAnthropicStopReason("end_turn"))
	assert.Equal(t, FinishMaxTokens, fromAnthropicStopReason("max_tokens"))
	assert.Equal(t, FinishToolCalls, fromAnthropicStopReason("tool_use"))
	assert.Equal(t, FinishOther, fromAnthropicStopReason("weird"))
}
