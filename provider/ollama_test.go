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
)

func ollamaServer(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaClient(OllamaConfig{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	}, NopGate{})
}

func TestOllamaGenerate(t *testing.T) {
	client := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "qwen3", req.Model)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"message": {"role": "assistant", "content": "hello"},
			"done": true,
			"done_reason": "stop",
			"prompt_eval_count": 9,
			"eval_count": 4
		}`)
	})

	resp, err := client.Generate(context.Background(), Request{
		Model:    "qwen3",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13}, resp.Usage)
}

func TestOllamaGenerate_ToolCallsGetIDs(t *testing.T) {
	client := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"message": {
				"role": "assistant",
				"tool_calls": [{"function": {"name": "clock", "arguments": {"tz": "UTC"}}}]
			},
			"done": true,
			"done_reason": "stop"
		}`)
	})

	resp, err := client.Generate(context.Background(), Request{Model: "qwen3"})
	require.NoError(t, err)
	assert.Equal(t, FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.NotEmpty(t, resp.ToolCalls[0].ID)
	assert.Equal(t, "clock", resp.ToolCalls[0].Name)
	assert.Equal(t, "UTC", resp.ToolCalls[0].Arguments["tz"])
}

func TestOllamaStream(t *testing.T) {
	client := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"hel"},"done":false}`+"\n")
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`+"\n")
		fmt.Fprint(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":2}`+"\n")
	})

	var text string
	finals := 0
	resp, err := client.Stream(context.Background(), Request{Model: "qwen3"}, func(d Delta) error {
		text += d.Text
		if d.Final {
			finals++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 1, finals)
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Equal(t, 9, resp.Usage.TotalTokens)
}

func TestOllamaGenerate_HTTPError(t *testing.T) {
	client := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"model not found"}`)
	})

	_, err := client.Generate(context.Background(), Request{Model: "missing"})
	require.Error(t, err)
	assert.True(t, skeinerr.IsCode(err, skeinerr.ErrCodeProviderError))
}
