package adapters

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(2, time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, cache.Set(ctx, "b", []byte("2"), 0))

	v, ok := cache.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	// capacity 2: adding c evicts the least recently used, b
	require.NoError(t, cache.Set(ctx, "c", []byte("3"), time.Minute))
	_, ok = cache.Get(ctx, "b")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get(ctx, "a")
	assert.False(t, ok, "per entry ttl expired")

	require.NoError(t, cache.Delete(ctx, "c"))
	_, ok = cache.Get(ctx, "c")
	assert.False(t, ok)
}

func TestLRUCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(4, time.Hour)
	value := []byte("abc")
	require.NoError(t, cache.Set(ctx, "k", value, time.Minute))
	value[0] = 'x'

	got, ok := cache.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))
}

func TestKeyedRateLimiter(t *testing.T) {
	ctx := context.Background()
	limiter := NewKeyedRateLimiter(0.001, 2)

	for i := 0; i < 2; i++ {
		release, err := limiter.Acquire(ctx, "thread-a")
		require.NoError(t, err)
		release()
	}
	_, err := limiter.Acquire(ctx, "thread-a")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	// keys are independent
	_, err = limiter.Acquire(ctx, "thread-b")
	assert.NoError(t, err)
}

func TestZerologTracerNestsSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf).Level(zerolog.DebugLevel))

	ctx, finishOuter := tracer.StartSpan(context.Background(), "agent.process_turn", map[string]any{"thread_id": "t1"})
	ctx, finishInner := tracer.StartSpan(ctx, "agent.tools", nil)
	tracer.Event(ctx, "route", map[string]any{"route": "to_tools"})
	finishInner(errors.New("boom"))
	finishOuter(nil)

	out := buf.String()
	assert.Contains(t, out, `"span":"agent.tools"`)
	assert.Contains(t, out, `"thread_id":"t1"`)
	assert.Contains(t, out, `"event":"route"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"event":"span_end"`)
}

type fakeModel struct {
	resp     *llms.ContentResponse
	err      error
	messages []llms.MessageContent
	opts     llms.CallOptions
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	for _, o := range options {
		o(&f.opts)
	}
	return f.resp, f.err
}

func (f *fakeModel) Call(context.Context, string, ...llms.CallOption) (string, error) {
	return "", nil
}

func TestLangChainProviderToolCalls(t *testing.T) {
	model := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content: "",
		ToolCalls: []llms.ToolCall{{
			ID:   "call-1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "query_asset_database",
				Arguments: `{"sql":"SELECT count(*) FROM customers"}`,
			},
		}},
		GenerationInfo: map[string]any{"PromptTokens": 120, "CompletionTokens": 30},
	}}}}
	provider := NewLangChainProvider(model)

	out, err := provider.Complete(context.Background(), ports.PromptInput{
		System:   "system text",
		Messages: []ports.PromptMessage{{Role: ports.RoleUser, Content: "how many customers?"}, {Role: ports.RoleAssistant, Content: "let me check"}},
		Context:  []string{"snippet"},
		Tools: []ports.ToolSpec{{
			Name:        ports.ToolQueryAssets,
			Description: "query",
			JSONSchema:  []byte(`{"type":"object","properties":{"sql":{"type":"string"}}}`),
		}},
	}, ports.Options{MaxNewTokens: 256, ToolChoice: "auto"})
	require.NoError(t, err)

	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, ports.ToolQueryAssets, out.ToolCalls[0].Name)
	assert.JSONEq(t, `{"sql":"SELECT count(*) FROM customers"}`, string(out.ToolCalls[0].Arguments))
	require.NotNil(t, out.Usage)
	assert.Equal(t, 150, out.Usage.TotalTokens)

	require.Len(t, model.messages, 3)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, model.messages[2].Role)
	require.Len(t, model.opts.Tools, 1)
	assert.Equal(t, "query_asset_database", model.opts.Tools[0].Function.Name)
	assert.Equal(t, 256, model.opts.MaxTokens)
}

func TestLangChainProviderJSONModeWithoutTools(t *testing.T) {
	model := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: `{"on_topic":true}`}}}}
	out, err := NewLangChainProvider(model).Complete(context.Background(), ports.PromptInput{
		System:   "judge",
		Messages: []ports.PromptMessage{{Role: ports.RoleUser, Content: "q"}},
		Tools:    []ports.ToolSpec{{Name: ports.ToolWebSearch}},
	}, ports.Options{ToolChoice: "none", JSONMode: true})
	require.NoError(t, err)
	assert.Equal(t, `{"on_topic":true}`, out.Text)
	assert.Empty(t, model.opts.Tools)
}

func TestLangChainProviderErrors(t *testing.T) {
	_, err := NewLangChainProvider(&fakeModel{err: errors.New("503")}).Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	assert.EqualError(t, err, "503")

	_, err = NewLangChainProvider(&fakeModel{resp: &llms.ContentResponse{}}).Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestTiktokenEstimator(t *testing.T) {
	est, err := NewTiktokenEstimator("")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	assert.Positive(t, est("berapa total pelanggan di Bekasi?"))
	assert.Zero(t, est(""))
}
