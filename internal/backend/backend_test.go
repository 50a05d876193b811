package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

// fakeModel returns queued errors before succeeding.
type fakeModel struct {
	mu       sync.Mutex
	errs     []error
	content  string
	info     map[string]any
	calls    int
	messages []llms.MessageContent
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.messages = messages
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.content, GenerationInfo: f.info}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func newTestLLM(m *fakeModel, retries int) *LLM {
	return NewLLM("fake", "fake-model", m, WithMaxRetries(retries), WithBaseBackoff(time.Millisecond))
}

func TestGenerate_Success(t *testing.T) {
	m := &fakeModel{content: "```diff\n@@ -1 +1 @@\n-a\n+b\n```", info: map[string]any{"PromptTokens": 12, "CompletionTokens": 8}}
	resp, err := newTestLLM(m, 0).Generate(context.Background(), Request{
		System:  "You fix code.",
		Prompt:  "Fix it.",
		Context: map[string]string{"line": "a", "file": "main.rs"},
	})
	require.NoError(t, err)

	assert.Equal(t, m.content, resp.Content)
	assert.Equal(t, "fake-model", resp.Model)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20}, resp.Usage)

	require.Len(t, m.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, m.messages[0].Role)
	human := m.messages[1].Parts[0].(llms.TextContent).Text
	assert.Equal(t, "Fix it.\n\nfile:\nmain.rs\n\nline:\na", human)
}

func TestGenerate_RetriesTransient(t *testing.T) {
	m := &fakeModel{
		errs:    []error{errors.New("API returned unexpected status code: 503"), errors.New("rate limit exceeded")},
		content: "ok",
	}
	resp, err := newTestLLM(m, 3).Generate(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, m.calls)
}

func TestGenerate_PermanentErrorNotRetried(t *testing.T) {
	m := &fakeModel{errs: []error{errors.New("invalid api key")}}
	_, err := newTestLLM(m, 3).Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, 1, m.calls)
	_, classified := remediation.KindOf(err)
	assert.False(t, classified)
}

func TestGenerate_ExhaustedRateLimit(t *testing.T) {
	m := &fakeModel{errs: []error{errors.New("429 too many requests"), errors.New("429 too many requests")}}
	_, err := newTestLLM(m, 1).Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, remediation.ErrRateLimit)
	assert.Equal(t, 2, m.calls)
}

func TestUsageFrom_AnthropicKeys(t *testing.T) {
	u := usageFrom(map[string]any{"InputTokens": int64(5), "OutputTokens": float64(7)})
	assert.Equal(t, Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}, u)
	assert.Equal(t, Usage{}, usageFrom(nil))
}

func TestNew_ProviderSelection(t *testing.T) {
	cfg := config.Default().Generator

	cfg.Provider = "openai"
	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg.Provider = "bogus"
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg.Provider = "ollama"
	cfg.Model = "codellama"
	b, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "ollama", b.Name())
}
