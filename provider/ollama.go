package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/lithammer/shortuuid/v4"
	pkgerrors "github.com/pkg/errors"

	skeinerr "github.com/orvane/skein/internal/errors"
	"github.com/orvane/skein/tool"
)

// OllamaConfig configures the Ollama adapter. Local servers need no API key.
type OllamaConfig struct {
	BaseURL string
	Timeout time.Duration
}

// OllamaClient adapts the Ollama /api/chat endpoint to the uniform contract.
type OllamaClient struct {
	cfg  OllamaConfig
	gate Gate
	http *http.Client
}

var _ Client = (*OllamaClient)(nil)

// NewOllamaClient creates the adapter.
func NewOllamaClient(cfg OllamaConfig, gate Gate) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OllamaClient{
		cfg:  cfg,
		gate: gate,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// ID implements Client.
func (c *OllamaClient) ID() string { return "ollama" }

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

// ollamaChunk is both the single non-streaming response and one NDJSON
// stream line; done distinguishes the final line.
type ollamaChunk struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Generate implements Client.
func (c *OllamaClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := c.gate.Acquire(ctx, c.ID()); err != nil {
		return nil, err
	}

	body, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var chunk ollamaChunk
	if err := json.NewDecoder(body).Decode(&chunk); err != nil {
		return nil, skeinerr.ProviderError(c.ID(), skeinerr.ProviderErrorInvalidResponse, "decode response", err)
	}
	return c.fromChunk(chunk), nil
}

// Stream implements Client. Ollama streams newline-delimited JSON objects;
// the object with done=true is the sentinel carrying usage counts.
func (c *OllamaClient) Stream(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	if err := c.gate.Acquire(ctx, c.ID()); err != nil {
		return nil, err
	}

	body, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var (
		content   string
		finish    = FinishStop
		usage     Usage
		fragments = make(map[int]*ToolCallFragment)
	)

	dec := json.NewDecoder(body)
	for {
		var chunk ollamaChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, skeinerr.ProviderError(c.ID(), skeinerr.ProviderErrorInvalidResponse, "decode stream line", err)
		}

		if chunk.Message.Content != "" {
			content += chunk.Message.Content
			if err := sink(Delta{Text: chunk.Message.Content}); err != nil {
				return nil, err
			}
		}
		for _, tc := range chunk.Message.ToolCalls {
			idx := len(fragments)
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			frag := &ToolCallFragment{
				Index:     idx,
				ID:        shortuuid.New(),
				Name:      tc.Function.Name,
				Arguments: string(args),
			}
			fragments[idx] = frag
			if err := sink(Delta{ToolCall: frag}); err != nil {
				return nil, err
			}
		}

		if chunk.Done {
			finish = fromOllamaDoneReason(chunk.DoneReason, len(fragments) > 0)
			usage = Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			break
		}
	}

	if err := sink(Delta{Final: true}); err != nil {
		return nil, err
	}

	return &Response{
		Content:      content,
		ToolCalls:    assembleToolCalls(fragments),
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

func (c *OllamaClient) do(ctx context.Context, req Request, stream bool) (io.ReadCloser, error) {
	payload := ollamaRequest{
		Model:  req.Model,
		Stream: stream,
	}
	for _, m := range req.Messages {
		msg := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, call := range m.ToolCalls {
			var tc ollamaToolCall
			tc.Function.Name = call.Name
			tc.Function.Arguments = call.Arguments
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
		payload.Messages = append(payload.Messages, msg)
	}
	for _, def := range req.Tools {
		var t ollamaTool
		t.Type = "function"
		t.Function.Name = def.Name
		t.Function.Description = def.Description
		t.Function.Parameters = def.Parameters
		payload.Tools = append(payload.Tools, t)
	}
	if req.Temperature != 0 || req.MaxTokens != 0 {
		payload.Options = make(map[string]any)
		if req.Temperature != 0 {
			payload.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens != 0 {
			payload.Options["num_predict"] = req.MaxTokens
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, skeinerr.ProviderError(c.ID(), skeinerr.ProviderErrorTimeout, "request timed out", err)
		}
		return nil, skeinerr.ProviderError(c.ID(), skeinerr.ProviderErrorHTTP, "request failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, skeinerr.ProviderError(c.ID(), skeinerr.ProviderErrorHTTP, string(raw), nil).
			WithContext("status", resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *OllamaClient) fromChunk(chunk ollamaChunk) *Response {
	out := &Response{
		Content:      chunk.Message.Content,
		FinishReason: fromOllamaDoneReason(chunk.DoneReason, len(chunk.Message.ToolCalls) > 0),
		Usage: Usage{
			PromptTokens:     chunk.PromptEvalCount,
			CompletionTokens: chunk.EvalCount,
			TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
		},
	}
	for _, tc := range chunk.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = make(map[string]any)
		}
		// Ollama does not assign call ids; mint one so tool results can
		// reference their call like every other provider.
		out.ToolCalls = append(out.ToolCalls, tool.Call{
			ID:        shortuuid.New(),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out
}

func fromOllamaDoneReason(reason string, hasToolCalls bool) FinishReason {
	if hasToolCalls {
		return FinishToolCalls
	}
	switch reason {
	case "stop", "":
		return FinishStop
	case "length":
		return FinishMaxTokens
	default:
		return FinishOther
	}
}
