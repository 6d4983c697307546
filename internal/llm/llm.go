// Package llm adapts chat-completion backends to the single call the build
// pipeline needs: one system prompt, one user prompt, one text reply.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/throw-if-null/forge/internal/config"
	"github.com/throw-if-null/forge/internal/metrics"
)

// Provider produces one completion. Implementations bound every call with
// their own request timeout.
type Provider interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

const (
	ProviderAuto     = "auto"
	ProviderOpenAI   = "openai"
	ProviderLMStudio = "lmstudio"
)

var (
	ErrUnknownProvider = errors.New("unknown llm provider")
	ErrEmptyResponse   = errors.New("empty completion")
)

// Options carries the sampling and transport settings shared by providers.
type Options struct {
	Temperature float64
	Timeout     time.Duration
}

func optionsFrom(cfg config.LLMConfig) Options {
	return Options{
		Temperature: cfg.Temperature,
		Timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

// Resolve maps the configured provider name to a concrete one. auto picks
// OpenAI when an API key is configured, otherwise the local LM Studio
// endpoint.
func Resolve(cfg config.LLMConfig) (string, error) {
	switch cfg.Provider {
	case "", ProviderAuto:
		if cfg.OpenAIAPIKey != "" {
			return ProviderOpenAI, nil
		}
		return ProviderLMStudio, nil
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return "", fmt.Errorf("openai provider selected but no API key configured")
		}
		return ProviderOpenAI, nil
	case ProviderLMStudio:
		return ProviderLMStudio, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// New builds the provider selected by cfg.
func New(cfg config.LLMConfig, logger *slog.Logger) (Provider, error) {
	name, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}
	opts := optionsFrom(cfg)
	var p Provider
	switch name {
	case ProviderOpenAI:
		logger.Info("using openai provider", "model", cfg.OpenAIModel)
		p = NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, opts)
	default:
		logger.Info("using lmstudio provider", "base_url", cfg.LMStudioBaseURL, "model", cfg.LMStudioModel)
		p, err = NewLMStudio(cfg.LMStudioBaseURL, cfg.LMStudioModel, opts)
		if err != nil {
			return nil, err
		}
	}
	return instrument(name, p), nil
}

type instrumented struct {
	name string
	next Provider
}

func instrument(name string, p Provider) Provider {
	return &instrumented{name: name, next: p}
}

func (i *instrumented) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	start := time.Now()
	out, err := i.next.Complete(ctx, system, user, maxTokens)
	metrics.LLMLatency.WithLabelValues(i.name).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.LLMRequests.WithLabelValues(i.name, outcome).Inc()
	return out, err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
