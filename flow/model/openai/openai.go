// Package openai adapts the OpenAI chat completions API to the
// model.Client interface using the official openai-go SDK.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dhollis/agentflow-go/flow"
	"github.com/dhollis/agentflow-go/flow/model"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gpt-4o"

// Client implements model.Client for OpenAI chat completions.
type Client struct {
	client    openai.Client
	modelName string
}

// New creates an OpenAI-backed client. An empty modelName selects
// DefaultModel.
func New(apiKey, modelName string) *Client {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Client{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
	}
}

// GetResponse implements model.Client.
func (c *Client) GetResponse(ctx context.Context, prompt string) (model.Response, error) {
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.modelName),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
	})
	if err != nil {
		return model.Response{}, translate("openai.get_response", err)
	}

	text := ""
	if len(completion.Choices) > 0 {
		text = completion.Choices[0].Message.Content
	}
	return model.Response{
		Text:      text,
		TokensIn:  completion.Usage.PromptTokens,
		TokensOut: completion.Usage.CompletionTokens,
	}, nil
}

// GetStreamingResponse implements model.Client.
func (c *Client) GetStreamingResponse(ctx context.Context, prompt string) (<-chan model.Chunk, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.modelName),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
	})

	out := make(chan model.Chunk)
	go func() {
		defer close(out)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- model.Chunk{Text: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				out <- model.Chunk{Err: ctx.Err()}
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- model.Chunk{Err: translate("openai.stream", err)}
		}
	}()
	return out, nil
}

func translate(op string, err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return model.ClassifyStatus(op, apierr.StatusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return flow.WrapError(flow.KindTimeout, op, err)
	}
	return flow.WrapError(flow.KindNetwork, op, err)
}
