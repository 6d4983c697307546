package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

// lmStudioToken satisfies the client's key check; LM Studio ignores it.
const lmStudioToken = "lm-studio"

// LMStudio talks to a local OpenAI-compatible server such as LM Studio.
type LMStudio struct {
	model llms.Model
	opts  Options
}

func NewLMStudio(baseURL, model string, opts Options) (*LMStudio, error) {
	m, err := lcopenai.New(
		lcopenai.WithBaseURL(baseURL),
		lcopenai.WithModel(model),
		lcopenai.WithToken(lmStudioToken),
	)
	if err != nil {
		return nil, fmt.Errorf("lmstudio client: %w", err)
	}
	return &LMStudio{model: m, opts: opts}, nil
}

func (l *LMStudio) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	ctx, cancel := withTimeout(ctx, l.opts.Timeout)
	defer cancel()

	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}
	callOpts := []llms.CallOption{llms.WithTemperature(l.opts.Temperature)}
	if maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(maxTokens))
	}

	resp, err := l.model.GenerateContent(ctx, msgs, callOpts...)
	if err != nil {
		return "", fmt.Errorf("lmstudio completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("lmstudio completion: %w", ErrEmptyResponse)
	}
	return resp.Choices[0].Content, nil
}
