package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	skeinerr "github.com/orvane/skein/internal/errors"
	"github.com/orvane/skein/tool"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultMaxTok  = 4096
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// AnthropicClient adapts the Anthropic Messages API to the uniform contract.
// There is no official Go SDK in our stack, so the wire schema is handled
// directly over net/http.
type AnthropicClient struct {
	cfg  AnthropicConfig
	gate Gate
	http *http.Client
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient creates the adapter.
func NewAnthropicClient(cfg AnthropicConfig, gate Gate) *AnthropicClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &AnthropicClient{
		cfg:  cfg,
		gate: gate,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// ID implements Client.
func (c *AnthropicClient) ID() string { return "anthropic" }

type anthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature *float32           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// Generate implements Client.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := c.gate.Acquire(ctx, c.ID()); err != nil {
		return nil, err
	}

	body, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var decoded anthropicResponse
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		return nil, skeinerr.ProviderError(c.ID(), skeinerr.ProviderErrorInvalidResponse, "decode response", err)
	}

	out := &Response{
		FinishReason: fromAnthropicStopReason(decoded.StopReason),
		Usage: Usage{
			PromptTokens:     decoded.Usage.InputTokens,
			CompletionTokens: decoded.Usage.OutputTokens,
			TotalTokens:      decoded.Usage.InputTokens + decoded.Usage.OutputTokens,
		},
	}
	for _, block := range decoded.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			args := block.Input
			if args == nil {
				args = make(map[string]any)
			}
			out.ToolCalls = append(out.ToolCalls, tool.Call{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return out, nil
}

// anthropicStreamEvent covers the event payloads the stream parser needs;
// unknown event types are skipped.
type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	ContentBlock *anthropicContentBlock `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage *anthropicUsage `json:"usage"`
}

// Stream implements Client. The Messages API streams server-sent events:
// "data:"-prefixed JSON payloads terminated by a message_stop event.
func (c *AnthropicClient) Stream(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
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

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				fragments[ev.Index] = &ToolCallFragment{
					Index: ev.Index,
					ID:    ev.ContentBlock.ID,
					Name:  ev.ContentBlock.Name,
				}
				if err := sink(Delta{ToolCall: &ToolCallFragment{
					Index: ev.Index,
					ID:    ev.ContentBlock.ID,
					Name:  ev.ContentBlock.Name,
				}}); err != nil {
					return nil, err
				}
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				content += ev.Delta.Text
				if err := sink(Delta{Text: ev.Delta.Text}); err != nil {
					return nil, err
				}
			case "input_json_delta":
				if frag, ok := fragments[ev.Index]; ok {
					frag.Arguments += ev.Delta.PartialJSON
					if err := sink(Delta{ToolCall: &ToolCallFragment{
						Index:     ev.Index,
						Arguments: ev.Delta.PartialJSON,
					}}); err != nil {
						return nil, err
					}
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				finish = fromAnthropicStopReason(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			// sentinel; the final marker goes out after the scan loop
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, skeinerr.ProviderError(c.ID(), skeinerr.ProviderErrorHTTP, "stream interrupted", err)
	}

	if err := sink(Delta{Final: true}); err != nil {
		return nil, err
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &Response{
		Content:      content,
		ToolCalls:    assembleToolCalls(fragments),
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

// do issues the HTTP request and returns the response body on 2xx.
func (c *AnthropicClient) do(ctx context.Context, req Request, stream bool) (io.ReadCloser, error) {
	payload := c.buildRequest(req)
	payload.Stream = stream

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "build request")
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = c.cfg.APIKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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
		kind := skeinerr.ProviderErrorHTTP
		if resp.StatusCode == 401 || resp.StatusCode == 403 {
			kind = skeinerr.ProviderErrorAuth
		}
		return nil, skeinerr.ProviderError(c.ID(), kind, string(raw), nil).
			WithContext("status", resp.StatusCode)
	}
	return resp.Body, nil
}

// buildRequest translates the uniform request into the Messages wire schema.
// System prompts move to the top-level system field; tool results become
// user-role tool_result blocks.
func (c *AnthropicClient) buildRequest(req Request) anthropicRequest {
	out := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = anthropicDefaultMaxTok
	}
	if req.Temperature != 0 {
		t := req.Temperature
		out.Temperature = &t
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if out.System != "" {
				out.System += "\n\n"
			}
			out.System += m.Content
		case "tool":
			out.Messages = append(out.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case "assistant":
			var blocks []anthropicContentBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Name,
					Input: call.Arguments,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, def := range req.Tools {
		schema := def.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, anthropicTool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return out
}

func fromAnthropicStopReason(r string) FinishReason {
	switch r {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishMaxTokens
	case "tool_use":
		return FinishToolCalls
	case "refusal":
		return FinishContentFilter
	default:
		return FinishOther
	}
}
