package model

import (
	"context"
	"sync"
)

// MockClient is a test implementation of Client.
//
// Use it to verify workflow behavior without real LLM calls: configurable
// responses, call-history tracking, error injection, thread-safe.
//
//	mock := &MockClient{Responses: []Response{{Text: "first"}, {Text: "second"}}}
//	out, _ := mock.GetResponse(ctx, "prompt")
//	// "first", then "second"; the last response repeats once consumed.
type MockClient struct {
	// Responses is returned in order; once exhausted, the last repeats.
	Responses []Response

	// Err, when set, is returned instead of a response.
	Err error

	// StreamChunkSize splits streamed responses into chunks of this many
	// bytes. Zero streams each response as a single chunk.
	StreamChunkSize int

	// Prompts records every received prompt.
	Prompts []string

	mu    sync.Mutex
	index int
}

// GetResponse implements Client.
func (m *MockClient) GetResponse(ctx context.Context, prompt string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return m.next(prompt)
}

// GetStreamingResponse implements Client. The configured response is split
// into chunks and delivered over an unbuffered channel.
func (m *MockClient) GetStreamingResponse(ctx context.Context, prompt string) (<-chan Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := m.next(prompt)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		size := m.StreamChunkSize
		if size <= 0 {
			size = len(resp.Text)
		}
		text := resp.Text
		for len(text) > 0 {
			n := size
			if n > len(text) {
				n = len(text)
			}
			select {
			case out <- Chunk{Text: text[:n]}:
				text = text[n:]
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return out, nil
}

func (m *MockClient) next(prompt string) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Prompts = append(m.Prompts, prompt)
	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return Response{}, nil
	}
	idx := m.index
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.index++
	}
	return m.Responses[idx], nil
}

// CallCount returns how many prompts have been received.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Prompts)
}

// Reset clears history and replays responses from the start.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prompts = nil
	m.index = 0
}
