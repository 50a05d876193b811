package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

const (
	defaultMaxRetries  = 3
	defaultBaseBackoff = 1 * time.Second
	defaultTimeout     = 2 * time.Minute
)

// LLM adapts a langchaingo model to Backend.
type LLM struct {
	name        string
	model       string
	llm         llms.Model
	maxRetries  int
	timeout     time.Duration
	baseBackoff time.Duration
	logger      *logging.Logger
}

// LLMOption configures an LLM.
type LLMOption func(*LLM)

// WithMaxRetries bounds retries of transient failures.
func WithMaxRetries(n int) LLMOption {
	return func(l *LLM) {
		if n >= 0 {
			l.maxRetries = n
		}
	}
}

// WithTimeout bounds a single attempt.
func WithTimeout(d time.Duration) LLMOption {
	return func(l *LLM) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithBaseBackoff sets the first retry delay.
func WithBaseBackoff(d time.Duration) LLMOption {
	return func(l *LLM) { l.baseBackoff = d }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) LLMOption {
	return func(l *LLM) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLLM wraps an already constructed model.
func NewLLM(name, model string, m llms.Model, opts ...LLMOption) *LLM {
	l := &LLM{
		name:        name,
		model:       model,
		llm:         m,
		maxRetries:  defaultMaxRetries,
		timeout:     defaultTimeout,
		baseBackoff: defaultBaseBackoff,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("backend").With(zap.String("provider", name))
	return l
}

// Name returns the provider name.
func (l *LLM) Name() string { return l.name }

// Generate sends req, retrying transient failures with exponential backoff.
// A provider-side rate limit that survives every retry is reported as a
// RateLimit error.
func (l *LLM) Generate(ctx context.Context, req Request) (*Response, error) {
	messages := []llms.MessageContent{}
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, renderPrompt(req)))

	model := req.Model
	if model == "" {
		model = l.model
	}
	callOpts := []llms.CallOption{llms.WithModel(model), llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.baseBackoff
	attempt := 0

	resp, err := backoff.Retry(ctx, func() (*llms.ContentResponse, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		resp, err := l.llm.GenerateContent(attemptCtx, messages, callOpts...)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !isRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(l.maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Warn(ctx, "generation failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("backoff", next), zap.Error(err))
		}),
	)
	if err != nil {
		if isRateLimited(err) {
			return nil, remediation.NewError(remediation.KindRateLimit, "backend.generate", err)
		}
		return nil, fmt.Errorf("%s generate: %w", l.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s generate: empty response", l.name)
	}

	choice := resp.Choices[0]
	out := &Response{
		Content: choice.Content,
		Model:   model,
		Usage:   usageFrom(choice.GenerationInfo),
	}
	l.logger.Debug(ctx, "generation complete",
		zap.String("model", model),
		zap.Int("attempts", attempt),
		zap.Int("total_tokens", out.Usage.TotalTokens))
	return out, nil
}

// renderPrompt appends the request context as labelled sections in key order.
func renderPrompt(req Request) string {
	if len(req.Context) == 0 {
		return req.Prompt
	}
	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(req.Prompt)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n\n%s:\n%s", k, req.Context[k])
	}
	return b.String()
}

// usageFrom reads token counts from provider generation info. OpenAI-style
// and Anthropic-style keys are both recognized.
func usageFrom(info map[string]any) Usage {
	u := Usage{
		PromptTokens:     firstInt(info, "PromptTokens", "InputTokens"),
		CompletionTokens: firstInt(info, "CompletionTokens", "OutputTokens"),
		TotalTokens:      firstInt(info, "TotalTokens"),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func firstInt(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

var retryableMarkers = []string{
	"429", "rate limit", "too many requests",
	"500", "502", "503", "504", "overloaded",
	"connection reset", "connection refused", "eof", "timeout",
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

var _ Backend = (*LLM)(nil)
