package provider

import (
	"context"
	"sync"
)

// MockClient is a scriptable Client for tests.
type MockClient struct {
	IDValue      string
	GenerateFunc func(ctx context.Context, req Request) (*Response, error)
	StreamFunc   func(ctx context.Context, req Request, sink StreamSink) (*Response, error)

	mu       sync.Mutex
	Requests []Request
}

var _ Client = (*MockClient)(nil)

// ID implements Client.
func (m *MockClient) ID() string {
	if m.IDValue == "" {
		return "mock"
	}
	return m.IDValue
}

// Generate implements Client, recording the request.
func (m *MockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &Response{Content: "ok", FinishReason: FinishStop}, nil
}

// Stream implements Client. Without a StreamFunc it replays Generate's
// response as a single text delta plus the final marker.
func (m *MockClient) Stream(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	if m.StreamFunc != nil {
		m.mu.Lock()
		m.Requests = append(m.Requests, req)
		m.mu.Unlock()
		return m.StreamFunc(ctx, req, sink)
	}
	resp, err := m.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" {
		if err := sink(Delta{Text: resp.Content}); err != nil {
			return nil, err
		}
	}
	if err := sink(Delta{Final: true}); err != nil {
		return nil, err
	}
	return resp, nil
}

// RequestCount returns how many calls the mock has served.
func (m *MockClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// NopGate admits every request immediately.
type NopGate struct{}

// Acquire implements Gate.
func (NopGate) Acquire(context.Context, string) error { return nil }

// DenyGate rejects every request with the given error.
type DenyGate struct{ Err error }

// Acquire implements Gate.
func (g DenyGate) Acquire(context.Context, string) error { return g.Err }
