package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider replays canned responses in order and records requests.
type MockProvider struct {
	mu        sync.Mutex
	Responses []func(req Request) (*Response, error)
	Requests  []Request
	CallCount int
}

func (m *MockProvider) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.CallCount >= len(m.Responses) {
		return nil, fmt.Errorf("unexpected call to CreateMessage: call count %d, response count %d", m.CallCount, len(m.Responses))
	}
	m.Requests = append(m.Requests, req)
	resp, err := m.Responses[m.CallCount](req)
	m.CallCount++
	return resp, err
}

func SimpleTextResponse(text string) func(req Request) (*Response, error) {
	return func(req Request) (*Response, error) {
		return &Response{
			Role: "assistant",
			Content: []Content{
				{Type: "text", Text: text},
			},
			StopReason: StopEndTurn,
			Usage:      Usage{InputTokens: 10, OutputTokens: len(text)},
		}, nil
	}
}

func ToolUseResponse(id, name, inputJson string) func(req Request) (*Response, error) {
	return func(req Request) (*Response, error) {
		return &Response{
			Role: "assistant",
			Content: []Content{
				{Type: "tool_use", ToolUse: &ToolUse{
					ID:    id,
					Name:  name,
					Input: []byte(inputJson),
				}},
			},
			StopReason: StopToolUse,
			Usage:      Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}
