// Package google adapts Google's Gemini API to the model.Client interface
// using the official generative-ai-go SDK.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/dhollis/agentflow-go/flow"
	"github.com/dhollis/agentflow-go/flow/model"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gemini-1.5-pro"

// Client implements model.Client for Gemini.
//
// The underlying genai client holds a gRPC connection; call Close when the
// client is no longer needed.
type Client struct {
	client    *genai.Client
	modelName string
}

// New creates a Gemini-backed client. An empty modelName selects
// DefaultModel.
func New(ctx context.Context, apiKey, modelName string) (*Client, error) {
	if modelName == "" {
		modelName = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, flow.WrapError(flow.KindNetwork, "google.new", err)
	}
	return &Client{client: client, modelName: modelName}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.client.Close() }

// GetResponse implements model.Client.
func (c *Client) GetResponse(ctx context.Context, prompt string) (model.Response, error) {
	resp, err := c.client.GenerativeModel(c.modelName).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return model.Response{}, translate("google.get_response", err)
	}
	out := model.Response{Text: flatten(resp)}
	if resp.UsageMetadata != nil {
		out.TokensIn = int64(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// GetStreamingResponse implements model.Client.
func (c *Client) GetStreamingResponse(ctx context.Context, prompt string) (<-chan model.Chunk, error) {
	iter := c.client.GenerativeModel(c.modelName).GenerateContentStream(ctx, genai.Text(prompt))

	out := make(chan model.Chunk)
	go func() {
		defer close(out)
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				out <- model.Chunk{Err: translate("google.stream", err)}
				return
			}
			text := flatten(resp)
			if text == "" {
				continue
			}
			select {
			case out <- model.Chunk{Text: text}:
			case <-ctx.Done():
				out <- model.Chunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return out, nil
}

func flatten(resp *genai.GenerateContentResponse) string {
	text := ""
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text += string(t)
			}
		}
	}
	return text
}

func translate(op string, err error) error {
	var apierr *googleapi.Error
	if errors.As(err, &apierr) {
		return model.ClassifyStatus(op, apierr.Code, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return flow.WrapError(flow.KindTimeout, op, err)
	}
	// Gemini's safety filter blocks arrive as plain errors.
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return flow.WrapError(flow.KindValidation, op, fmt.Errorf("content blocked: %w", err))
	}
	return flow.WrapError(flow.KindNetwork, op, err)
}
