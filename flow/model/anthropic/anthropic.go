// Package anthropic adapts Anthropic's Claude API to the model.Client
// interface using the official anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dhollis/agentflow-go/flow"
	"github.com/dhollis/agentflow-go/flow/model"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "claude-sonnet-4-20250514"

// Client implements model.Client for Claude.
//
//	c := anthropic.New(os.Getenv("ANTHROPIC_API_KEY"), "", 4096)
//	resp, err := c.GetResponse(ctx, "Summarize this design doc: ...")
type Client struct {
	client    anthropic.Client
	modelName string
	maxTokens int64
}

// New creates a Claude-backed client. An empty modelName selects
// DefaultModel; maxTokens <= 0 defaults to 4096.
func New(apiKey, modelName string, maxTokens int64) *Client {
	if modelName == "" {
		modelName = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
		maxTokens: maxTokens,
	}
}

// GetResponse implements model.Client.
func (c *Client) GetResponse(ctx context.Context, prompt string) (model.Response, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.modelName),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return model.Response{}, translate("anthropic.get_response", err)
	}

	text := ""
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return model.Response{
		Text:      text,
		TokensIn:  message.Usage.InputTokens,
		TokensOut: message.Usage.OutputTokens,
	}, nil
}

// GetStreamingResponse implements model.Client.
func (c *Client) GetStreamingResponse(ctx context.Context, prompt string) (<-chan model.Chunk, error) {
	stream := c.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.modelName),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})

	out := make(chan model.Chunk)
	go func() {
		defer close(out)
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					select {
					case out <- model.Chunk{Text: delta.Text}:
					case <-ctx.Done():
						out <- model.Chunk{Err: ctx.Err()}
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- model.Chunk{Err: translate("anthropic.stream", err)}
		}
	}()
	return out, nil
}

func translate(op string, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return model.ClassifyStatus(op, apierr.StatusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return flow.WrapError(flow.KindTimeout, op, err)
	}
	return flow.WrapError(flow.KindNetwork, op, err)
}
