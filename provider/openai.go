package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	skeinerr "github.com/orvane/skein/internal/errors"
	"github.com/orvane/skein/tool"
)

// OpenAIConfig configures the OpenAI adapter. A non-default BaseURL points it
// at any OpenAI-compatible endpoint (DeepSeek, vLLM, LiteLLM proxies).
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// OpenAIClient adapts the OpenAI chat completion API to the uniform contract.
type OpenAIClient struct {
	id   string
	cfg  OpenAIConfig
	gate Gate

	mu      sync.Mutex
	clients map[string]*openai.Client
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates the adapter. gate admits every call before network
// I/O is attempted.
func NewOpenAIClient(cfg OpenAIConfig, gate Gate) *OpenAIClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIClient{
		id:      "openai",
		cfg:     cfg,
		gate:    gate,
		clients: make(map[string]*openai.Client),
	}
}

// NewOpenAICompatibleClient creates an adapter for an OpenAI-compatible
// endpoint registered under its own provider id.
func NewOpenAICompatibleClient(id string, cfg OpenAIConfig, gate Gate) *OpenAIClient {
	c := NewOpenAIClient(cfg, gate)
	c.id = id
	return c
}

// ID implements Client.
func (c *OpenAIClient) ID() string { return c.id }

// client returns a cached SDK client for the given key. Sessions may carry
// their own credential, so clients are keyed by API key.
func (c *OpenAIClient) client(apiKey string) *openai.Client {
	if apiKey == "" {
		apiKey = c.cfg.APIKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[apiKey]; ok {
		return cl
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if c.cfg.BaseURL != "" {
		clientConfig.BaseURL = c.cfg.BaseURL
	}
	cl := openai.NewClientWithConfig(clientConfig)
	c.clients[apiKey] = cl
	return cl
}

// Generate implements Client.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := c.gate.Acquire(ctx, c.id); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client(req.APIKey).CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return nil, c.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, skeinerr.ProviderError(c.id, skeinerr.ProviderErrorInvalidResponse, "empty choices", nil)
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		ToolCalls:    fromOpenAIToolCalls(choice.Message.ToolCalls),
		FinishReason: fromOpenAIFinishReason(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return out, nil
}

// Stream implements Client.
func (c *OpenAIClient) Stream(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	if err := c.gate.Acquire(ctx, c.id); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	sdkReq := c.buildRequest(req)
	sdkReq.Stream = true
	sdkReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.client(req.APIKey).CreateChatCompletionStream(ctx, sdkReq)
	if err != nil {
		return nil, c.wrapError(err)
	}
	defer stream.Close()

	var (
		content      string
		finish       = FinishStop
		usage        Usage
		fragments    = make(map[int]*ToolCallFragment)
		sawToolCalls bool
	)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, c.wrapError(err)
		}

		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = fromOpenAIFinishReason(choice.FinishReason)
		}

		if choice.Delta.Content != "" {
			content += choice.Delta.Content
			if err := sink(Delta{Text: choice.Delta.Content}); err != nil {
				return nil, err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			sawToolCalls = true
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			frag, ok := fragments[idx]
			if !ok {
				frag = &ToolCallFragment{Index: idx}
				fragments[idx] = frag
			}
			if tc.ID != "" {
				frag.ID = tc.ID
			}
			if tc.Function.Name != "" {
				frag.Name = tc.Function.Name
			}
			frag.Arguments += tc.Function.Arguments

			if err := sink(Delta{ToolCall: &ToolCallFragment{
				Index:     idx,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}}); err != nil {
				return nil, err
			}
		}
	}

	if err := sink(Delta{Final: true}); err != nil {
		return nil, err
	}
	if sawToolCalls && finish == FinishStop {
		finish = FinishToolCalls
	}

	return &Response{
		Content:      content,
		ToolCalls:    assembleToolCalls(fragments),
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

func (c *OpenAIClient) buildRequest(req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			args, err := json.Marshal(call.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		messages = append(messages, msg)
	}

	tools := make([]openai.Tool, 0, len(req.Tools))
	for _, def := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Tools:       tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func (c *OpenAIClient) wrapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return skeinerr.ProviderError(c.id, skeinerr.ProviderErrorTimeout, "request timed out", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := skeinerr.ProviderErrorHTTP
		if apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403 {
			kind = skeinerr.ProviderErrorAuth
		}
		slog.Warn("openai request failed",
			"status", apiErr.HTTPStatusCode,
			"type", apiErr.Type)
		return skeinerr.ProviderError(c.id, kind, apiErr.Message, err).
			WithContext("status", apiErr.HTTPStatusCode)
	}

	return skeinerr.ProviderError(c.id, skeinerr.ProviderErrorHTTP, "request failed", err)
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []tool.Call {
	if len(calls) == 0 {
		return nil
	}
	out := make([]tool.Call, 0, len(calls))
	for _, tc := range calls {
		out = append(out, tool.Call{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}
	return out
}

func fromOpenAIFinishReason(r openai.FinishReason) FinishReason {
	switch r {
	case openai.FinishReasonStop:
		return FinishStop
	case openai.FinishReasonLength:
		return FinishMaxTokens
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return FinishToolCalls
	case openai.FinishReasonContentFilter:
		return FinishContentFilter
	default:
		return FinishOther
	}
}
