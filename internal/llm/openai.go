package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAI talks to the OpenAI chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
	opts   Options
}

// NewOpenAI returns a provider for the public OpenAI API. Local
// OpenAI-compatible servers go through LMStudio instead.
func NewOpenAI(apiKey, model string, opts Options) *OpenAI {
	return newOpenAI(openai.DefaultConfig(apiKey), model, opts)
}

func newOpenAI(cfg openai.ClientConfig, model string, opts Options) *OpenAI {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model, opts: opts}
}

func (o *OpenAI) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	ctx, cancel := withTimeout(ctx, o.opts.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: float32(o.opts.Temperature),
	}
	if maxTokens > 0 {
		req.MaxCompletionTokens = maxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion: %w", ErrEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}
