// Package model provides chat-client adapters for the LLM providers a
// workflow's steps call: Anthropic Claude, OpenAI, and Google Gemini, plus
// a mock for tests. All adapters implement the same narrow Client
// interface so steps stay provider-agnostic.
package model

import (
	"context"

	"github.com/dhollis/agentflow-go/flow"
)

// Response is a completed single-shot LLM reply.
type Response struct {
	// Text is the generated response.
	Text string

	// TokensIn and TokensOut are the prompt and completion token counts as
	// reported by the provider; zero when the provider omits usage.
	TokensIn  int64
	TokensOut int64
}

// Tokens is the total token consumption, as charged against the budget.
func (r Response) Tokens() int64 { return r.TokensIn + r.TokensOut }

// Chunk is one element of a streaming response. A terminal error (if any)
// arrives as the final chunk with Err set; the channel then closes.
type Chunk struct {
	Text string
	Err  error
}

// Client is the chat-client interface workflow steps depend on.
//
// Implementations must respect context cancellation: a cancelled ctx stops
// the request (and closes a stream's channel) promptly.
type Client interface {
	// GetResponse sends the prompt and returns the complete reply.
	GetResponse(ctx context.Context, prompt string) (Response, error)

	// GetStreamingResponse sends the prompt and returns a finite, lazy
	// sequence of token chunks. The sequence is not restartable; the
	// caller owns backpressure by draining the channel. The channel closes
	// after the final chunk (or after a chunk carrying an error).
	GetStreamingResponse(ctx context.Context, prompt string) (<-chan Chunk, error)
}

// ClassifyStatus maps a provider HTTP status to a classified error so the
// engine's retry policy can distinguish transient back-pressure from
// permanent failures.
func ClassifyStatus(op string, status int, err error) error {
	switch {
	case status == 401 || status == 403 || status == 400:
		return flow.WrapError(flow.KindValidation, op, err)
	case status == 404:
		return flow.WrapError(flow.KindNotFound, op, err)
	case status == 408:
		return flow.WrapError(flow.KindTimeout, op, err)
	case status == 429:
		return flow.WrapError(flow.KindRateLimited, op, err)
	case status == 502 || status == 503 || status == 504 || status == 529:
		return flow.WrapError(flow.KindUnavailable, op, err)
	default:
		return flow.WrapError(flow.KindExternal, op, err)
	}
}
