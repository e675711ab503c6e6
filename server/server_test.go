package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orvane/skein/agent"
	"github.com/orvane/skein/credential"
	"github.com/orvane/skein/memory"
	"github.com/orvane/skein/metrics"
	"github.com/orvane/skein/provider"
	"github.com/orvane/skein/tool"
)

func newTestServer(t *testing.T) (*Server, *provider.MockClient) {
	t.Helper()

	mem := memory.NewManager(memory.Config{MaxMessages: 50, MaxTokens: 4000})
	t.Cleanup(mem.Close)

	registry := tool.NewRegistry()
	client := &provider.MockClient{IDValue: "mock"}
	providers := provider.NewRegistry()
	providers.Register(client)

	collector := metrics.NewCollector()
	executor := tool.NewExecutor(registry, tool.WithRecorder(collector))

	manager := agent.NewManager(agent.Options{
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

	return New(manager, registry, collector, nil), client
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func createTestSession(t *testing.T, srv *Server) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", `{"agent_type":"coder","config":{"system_prompt":"be brief"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createTestSession(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"agent_type":"coder"`)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "SESSION_NOT_FOUND")

	// history of a destroyed session is empty, not a 404
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+id+"/history", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Messages []memory.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Empty(t, hist.Messages)
}

func TestSendMessageEndpoint(t *testing.T) {
	srv, client := newTestServer(t)
	client.GenerateFunc = func(_ context.Context, _ provider.Request) (*provider.Response, error) {
		return &provider.Response{
			Content:      "hello from the model",
			FinishReason: provider.FinishStop,
			Usage:        provider.Usage{TotalTokens: 7},
		}, nil
	}
	id := createTestSession(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res agent.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "hello from the model", res.Content)
	assert.Equal(t, 7, res.Metadata.TokensUsed)
}

func TestSendMessage_Validation(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createTestSession(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/missing/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryAndMemoryEndpoints(t *testing.T) {
	srv, client := newTestServer(t)
	client.GenerateFunc = func(_ context.Context, _ provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: "ok", FinishReason: provider.FinishStop}, nil
	}
	id := createTestSession(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+id+"/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Messages []memory.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Len(t, hist.Messages, 2)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+id+"/memory", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+id+"/history?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToolsAndMetricsEndpoints(t *testing.T) {
	srv, client := newTestServer(t)
	client.GenerateFunc = func(_ context.Context, _ provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: "ok", FinishReason: provider.FinishStop}, nil
	}
	id := createTestSession(t, srv)
	doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{"text":"hi"}`)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/tools", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"global"`)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/metrics/coder", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/metrics/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
