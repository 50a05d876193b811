// Package backend defines the code-generation backend contract and its
// langchaingo-based implementations. A backend is selected once from
// configuration; callers only see Generate.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
)

// ErrInvalidConfig indicates the backend cannot be constructed.
var ErrInvalidConfig = errors.New("invalid backend configuration")

// Request is the logical generation request.
type Request struct {
	System      string
	Prompt      string
	Context     map[string]string
	MaxTokens   int
	Temperature float64
	Model       string // empty uses the backend default
}

// Usage reports token accounting for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the logical generation response.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
	Model   string `json:"model"`
}

// Backend generates completions.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// New builds the backend named by cfg.Provider.
func New(cfg config.GeneratorConfig, logger *logging.Logger) (*LLM, error) {
	var (
		model llms.Model
		err   error
	)

	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: openai api key required", ErrInvalidConfig)
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey.Reveal()), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: anthropic api key required", ErrInvalidConfig)
		}
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey.Reveal()), anthropic.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err = anthropic.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", cfg.Provider, err)
	}

	return NewLLM(cfg.Provider, cfg.Model, model,
		WithMaxRetries(cfg.MaxRetries),
		WithTimeout(cfg.Timeout.Duration()),
		WithLogger(logger),
	), nil
}
