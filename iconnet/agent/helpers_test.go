package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/adapters"
	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// reply is one scripted provider response.
type reply struct {
	completion ports.Completion
	err        error
}

func text(s string) reply { return reply{completion: ports.Completion{Text: s}} }

func failure(err error) reply { return reply{err: err} }

func toolCalls(calls ...ports.ToolCall) reply {
	return reply{completion: ports.Completion{ToolCalls: calls}}
}

func call(name ports.ToolName, args string) ports.ToolCall {
	return ports.ToolCall{Name: name, Arguments: json.RawMessage(args)}
}

func judge(onTopic bool) reply {
	return text(fmt.Sprintf(`{"on_topic": %t, "reason": "scripted"}`, onTopic))
}

// scriptedProvider answers per prompt stage. When a stage runs out of replies
// the last one repeats.
type scriptedProvider struct {
	mu      sync.Mutex
	script  map[string][]reply
	calls   map[string]int
	prompts map[string][]ports.PromptInput
}

func newScriptedProvider(script map[string][]reply) *scriptedProvider {
	return &scriptedProvider{script: script, calls: map[string]int{}, prompts: map[string][]ports.PromptInput{}}
}

func (p *scriptedProvider) Complete(_ context.Context, in ports.PromptInput, _ ports.Options) (ports.Completion, error) {
	stage := in.Meta["stage"]
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.calls[stage]
	p.calls[stage]++
	p.prompts[stage] = append(p.prompts[stage], in)
	replies := p.script[stage]
	if len(replies) == 0 {
		return ports.Completion{}, fmt.Errorf("no script for stage %q", stage)
	}
	r := replies[min(n, len(replies)-1)]
	return r.completion, r.err
}

func (p *scriptedProvider) count(stage string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[stage]
}

func (p *scriptedProvider) prompt(stage string, i int) ports.PromptInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts[stage][i]
}

// permanentError is a provider failure that must not be retried.
type permanentError struct{ msg string }

func (e permanentError) Error() string   { return e.msg }
func (e permanentError) Retryable() bool { return false }

// stubTool is a Tool with a func field for Invoke.
type stubTool struct {
	name    ports.ToolName
	schema  string
	timeout time.Duration
	invoke  func(ctx context.Context, args json.RawMessage) (any, error)
	calls   atomic.Int32
}

func (s *stubTool) Name() ports.ToolName   { return s.name }
func (s *stubTool) Description() string    { return "stub " + string(s.name) }
func (s *stubTool) Schema() []byte         { return []byte(s.schema) }
func (s *stubTool) Timeout() time.Duration { return s.timeout }

func (s *stubTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	s.calls.Add(1)
	if s.invoke == nil {
		return map[string]any{"ok": true}, nil
	}
	return s.invoke(ctx, args)
}

func returning(v any) func(context.Context, json.RawMessage) (any, error) {
	return func(context.Context, json.RawMessage) (any, error) { return v, nil }
}

// blocking waits for cancellation, like a hung backend.
func blocking(ctx context.Context, _ json.RawMessage) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// flakyStore wraps the memory store with injectable failures.
type flakyStore struct {
	*adapters.MemorySessionStore
	getErr error
	putErr error
}

func (s *flakyStore) Get(ctx context.Context, id string) (*ports.ConversationState, bool, error) {
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	return s.MemorySessionStore.Get(ctx, id)
}

func (s *flakyStore) Put(ctx context.Context, id string, st *ports.ConversationState) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.MemorySessionStore.Put(ctx, id, st)
}

type harness struct {
	orch     *Orchestrator
	provider *scriptedProvider
	store    ports.SessionStore
	metrics  *Metrics
}

func newHarness(t *testing.T, provider *scriptedProvider, store ports.SessionStore, policy Policy, tools ...ports.Tool) *harness {
	t.Helper()
	logger := zerolog.Nop()
	if store == nil {
		store = adapters.NewMemorySessionStore()
	}
	metrics := MustNewMetrics(prometheus.NewRegistry())
	builder := NewPromptBuilder(20)
	retryPolicy := RetryPolicy{Attempts: 1, Backoff: time.Millisecond}
	dispatcher := NewDispatcher(tools, nil, DefaultDispatcherConfig(), metrics, logger)
	orch := NewOrchestrator(Components{
		Store:      store,
		Dialogue:   NewDialogueController(provider, builder, dispatcher.Specs(), retryPolicy, ports.Options{}, logger),
		Dispatcher: dispatcher,
		Synthesis:  NewSynthesizer(provider, builder, NewContextAssembler(Budget{MaxContextTokens: 2000, MaxSnippets: 10}, nil), ports.Options{}, metrics, logger),
		Quality:    NewQualityGate(provider, builder, retryPolicy, metrics, logger),
		Metrics:    metrics,
	}, policy, logger)
	return &harness{orch: orch, provider: provider, store: store, metrics: metrics}
}
