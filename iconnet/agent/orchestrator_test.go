package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/adapters"
	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

func roles(history []ports.Turn) []string {
	out := make([]string, len(history))
	for i, t := range history {
		out[i] = t.Role
	}
	return out
}

func TestProcessTurnDocumentationAnswer(t *testing.T) {
	docs := &stubTool{name: ports.ToolSearchDocuments, invoke: returning(map[string]any{
		"documents": []map[string]any{{"content": "Langkah instalasi ONT: pasang kabel drop lalu aktivasi.", "source": "sop-ont.pdf"}},
	})}
	provider := newScriptedProvider(map[string][]reply{
		"dialogue":     {toolCalls(call(ports.ToolSearchDocuments, `{"query":"SOP instalasi ONT"}`))},
		"synthesis":    {text("Menurut dokumen internal sop-ont.pdf, pasang kabel drop lalu lakukan aktivasi.")},
		"quality_gate": {judge(true)},
	})
	h := newHarness(t, provider, nil, DefaultPolicy(), docs)

	res, err := h.orch.ProcessTurn(context.Background(), "t-1", "Jelaskan SOP instalasi ONT", ports.UserContext{DisplayName: "Budi", Role: "teknisi"})
	require.NoError(t, err)

	assert.Equal(t, StateEnd, res.TerminalState)
	assert.Equal(t, 0, res.RetryCount)
	assert.False(t, res.Degraded)
	assert.Equal(t, "Menurut dokumen internal sop-ont.pdf, pasang kabel drop lalu lakukan aktivasi.", res.FinalText)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, ports.ToolSucceeded, res.ToolCalls[0].Status)
	assert.NotEmpty(t, res.ToolCalls[0].ID)

	assert.Contains(t, provider.prompt("synthesis", 0).System, "The user is Budi (role: teknisi).")
	assert.Equal(t, 1, provider.count("quality_gate"))

	state, ok, err := h.orch.Thread(context.Background(), "t-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{ports.RoleUser, ports.RoleAssistant, ports.RoleTool, ports.RoleAssistant}, roles(state.History))
	assert.Equal(t, res.FinalText, state.History[3].Content)
	assert.Equal(t, ContextSignature(ClassifyIntent("Jelaskan SOP instalasi ONT")), state.LastContextSignature)
	assert.Empty(t, state.PendingGuidance)
	assert.Equal(t, "Budi", state.UserContext.DisplayName)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.turns.WithLabelValues(StateEnd)))
}

func TestProcessTurnRetriesAfterTimeout(t *testing.T) {
	query := &stubTool{name: ports.ToolQueryAssets, timeout: 20 * time.Millisecond, invoke: blocking}
	provider := newScriptedProvider(map[string][]reply{
		"dialogue":     {toolCalls(call(ports.ToolQueryAssets, `{"sql":"SELECT count(*) FROM customers"}`))},
		"quality_gate": {judge(false), judge(true)},
	})
	h := newHarness(t, provider, nil, DefaultPolicy(), query)

	res, err := h.orch.ProcessTurn(context.Background(), "t-2", "Berapa total pelanggan di Jakarta?", ports.UserContext{})
	require.NoError(t, err)

	assert.Equal(t, StateEndAfterReflection, res.TerminalState)
	assert.Equal(t, 1, res.RetryCount)
	assert.False(t, res.Degraded)
	assert.Contains(t, res.FinalText, "Note: the asset database query could not be completed because it timed out.")
	assert.Equal(t, int32(2), query.calls.Load())
	require.Len(t, res.ToolCalls, 2)
	for _, c := range res.ToolCalls {
		assert.Equal(t, ports.ToolTimedOut, c.Status)
		assert.Equal(t, CodeToolTimeout, c.ErrorCode)
	}

	// no successful call, synthesis never reaches the model
	assert.Equal(t, 0, provider.count("synthesis"))
	require.Equal(t, 2, provider.count("dialogue"))
	assert.NotContains(t, provider.prompt("dialogue", 0).System, "Fix these problems")
	retryPrompt := provider.prompt("dialogue", 1).System
	assert.Contains(t, retryPrompt, "Fix these problems")
	assert.Contains(t, retryPrompt, ReasonTopicDrift)

	state, _, err := h.orch.Thread(context.Background(), "t-2")
	require.NoError(t, err)
	assert.Equal(t, []string{
		ports.RoleUser, ports.RoleAssistant, ports.RoleTool,
		ports.RoleSystem, ports.RoleAssistant, ports.RoleTool,
		ports.RoleAssistant,
	}, roles(state.History))
	assert.True(t, strings.HasPrefix(state.History[3].Content, "Reflection guidance: "))
	assert.Equal(t, 1, state.RetryCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.reflectionRetry))
}

func TestProcessTurnGivesUpAtMaxRetries(t *testing.T) {
	docs := &stubTool{name: ports.ToolSearchDocuments, invoke: returning(map[string]any{"documents": []string{"konfigurasi OLT"}})}
	provider := newScriptedProvider(map[string][]reply{
		"dialogue":     {toolCalls(call(ports.ToolSearchDocuments, `{"query":"konfigurasi OLT"}`))},
		"synthesis":    {text("Dokumen pertama."), text("Dokumen kedua.")},
		"quality_gate": {judge(false)},
	})
	h := newHarness(t, provider, nil, Policy{MaxRetries: 1}, docs)

	res, err := h.orch.ProcessTurn(context.Background(), "t-3", "Jelaskan konfigurasi OLT", ports.UserContext{})
	require.NoError(t, err)

	assert.Equal(t, StateEndAfterReflection, res.TerminalState)
	assert.Equal(t, 1, res.RetryCount)
	assert.True(t, res.Degraded)
	// equal rubric scores keep the latest candidate
	assert.Equal(t, "Dokumen kedua.", res.FinalText)
	assert.Equal(t, 2, provider.count("dialogue"))
	assert.Equal(t, 2, provider.count("quality_gate"))

	state, _, err := h.orch.Thread(context.Background(), "t-3")
	require.NoError(t, err)
	assert.Contains(t, state.PendingGuidance, ReasonTopicDrift)
}

func TestProcessTurnReviewsDirectAnswerOnRetry(t *testing.T) {
	docs := &stubTool{name: ports.ToolSearchDocuments, invoke: returning(map[string]any{"documents": []string{"konfigurasi OLT"}})}
	provider := newScriptedProvider(map[string][]reply{
		"dialogue": {
			toolCalls(call(ports.ToolSearchDocuments, `{"query":"konfigurasi OLT"}`)),
			text("Cuaca hari ini cerah."),
		},
		"synthesis":    {text("Dokumen OLT menjelaskan konfigurasi VLAN.")},
		"quality_gate": {judge(false)},
	})
	h := newHarness(t, provider, nil, Policy{MaxRetries: 1}, docs)

	res, err := h.orch.ProcessTurn(context.Background(), "t-review", "Jelaskan konfigurasi OLT", ports.UserContext{})
	require.NoError(t, err)

	assert.Equal(t, StateEndAfterReflection, res.TerminalState)
	assert.Equal(t, 1, res.RetryCount)
	assert.True(t, res.Degraded, "an off-topic retry answer is not a clean success")
	assert.Equal(t, 2, provider.count("quality_gate"))
	judged := provider.prompt("quality_gate", 1).Messages
	require.Len(t, judged, 1)
	assert.Contains(t, judged[0].Content, "Assistant answer:\nCuaca hari ini cerah.")
}

func TestProcessTurnReplayIsDeterministic(t *testing.T) {
	const message = "Jelaskan konfigurasi OLT"
	snapshot := ports.NewConversationState("t-replay")
	snapshot.Append(ports.Turn{Role: ports.RoleUser, Content: "Apa itu OLT?"})
	snapshot.Append(ports.Turn{Role: ports.RoleAssistant, Content: "OLT adalah perangkat di sisi sentral."})
	snapshot.LastContextSignature = ContextSignature(ClassifyIntent(message))

	tests := []struct {
		name       string
		verdicts   []reply
		terminal   string
		retryCount int
	}{
		{name: "sufficient", verdicts: []reply{judge(true)}, terminal: StateEnd, retryCount: 0},
		{name: "insufficient", verdicts: []reply{judge(false)}, terminal: StateEndAfterReflection, retryCount: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replay := func() *TurnResult {
				docs := &stubTool{name: ports.ToolSearchDocuments, invoke: returning(map[string]any{"documents": []string{"konfigurasi VLAN OLT"}})}
				provider := newScriptedProvider(map[string][]reply{
					"dialogue":     {toolCalls(call(ports.ToolSearchDocuments, `{"query":"konfigurasi OLT"}`))},
					"synthesis":    {text("Menurut dokumen internal, OLT dikonfigurasi per VLAN.")},
					"quality_gate": tt.verdicts,
				})
				store := adapters.NewMemorySessionStore()
				require.NoError(t, store.Put(context.Background(), "t-replay", snapshot.Clone()))
				h := newHarness(t, provider, store, Policy{MaxRetries: 1}, docs)

				res, err := h.orch.ProcessTurn(context.Background(), "t-replay", message, ports.UserContext{})
				require.NoError(t, err)
				return res
			}

			first, second := replay(), replay()
			assert.Equal(t, tt.terminal, first.TerminalState)
			assert.Equal(t, tt.retryCount, first.RetryCount)
			assert.Equal(t, first.TerminalState, second.TerminalState)
			assert.Equal(t, first.RetryCount, second.RetryCount)
			assert.Equal(t, first.Degraded, second.Degraded)
			assert.Equal(t, first.FinalText, second.FinalText)
			assert.Len(t, snapshot.History, 2)
		})
	}
}

func TestProcessTurnZeroRetriesTerminatesImmediately(t *testing.T) {
	provider := newScriptedProvider(map[string][]reply{
		"dialogue":     {toolCalls(call(ports.ToolVisualize, `{}`))},
		"synthesis":    {text("Grafik siap.")},
		"quality_gate": {judge(false)},
	})
	viz := &stubTool{name: ports.ToolVisualize}
	h := newHarness(t, provider, nil, Policy{MaxRetries: 0}, viz)

	res, err := h.orch.ProcessTurn(context.Background(), "t-zero", "Buat pie chart", ports.UserContext{})
	require.NoError(t, err)
	assert.Equal(t, StateEndAfterReflection, res.TerminalState)
	assert.Equal(t, 0, res.RetryCount)
	assert.True(t, res.Degraded)
	assert.Equal(t, 1, provider.count("dialogue"))
}

func TestProcessTurnContextChangeSuppressesRetry(t *testing.T) {
	store := adapters.NewMemorySessionStore()
	prior := ports.NewConversationState("t-4")
	prior.Append(ports.Turn{Role: ports.RoleUser, Content: "Berapa total pelanggan?"})
	prior.Append(ports.Turn{Role: ports.RoleAssistant, Content: "Sekitar 10 ribu."})
	prior.LastContextSignature = ContextSignature(ClassifyIntent("Berapa total pelanggan?"))
	prior.PendingGuidance = "- cite the asset database"
	require.NoError(t, store.Put(context.Background(), "t-4", prior))

	docs := &stubTool{name: ports.ToolSearchDocuments, invoke: returning(map[string]any{"documents": []string{"SOP"}})}
	provider := newScriptedProvider(map[string][]reply{
		"dialogue":     {toolCalls(call(ports.ToolSearchDocuments, `{"query":"SOP instalasi"}`))},
		"synthesis":    {text("Berdasarkan dokumen SOP, ...")},
		"quality_gate": {judge(false)},
	})
	h := newHarness(t, provider, store, DefaultPolicy(), docs)

	res, err := h.orch.ProcessTurn(context.Background(), "t-4", "Jelaskan SOP instalasi", ports.UserContext{})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.count("dialogue"), "no retry after a topic change")
	assert.Equal(t, 0, res.RetryCount)
	assert.True(t, res.Degraded)
	assert.Equal(t, StateEndAfterReflection, res.TerminalState)
	assert.NotContains(t, provider.prompt("dialogue", 0).System, "cite the asset database")

	state, _, err := h.orch.Thread(context.Background(), "t-4")
	require.NoError(t, err)
	assert.Equal(t, ContextSignature(ClassifyIntent("Jelaskan SOP instalasi")), state.LastContextSignature)
	assert.NotContains(t, state.PendingGuidance, "cite the asset database")
}

func TestProcessTurnCarriesGuidanceOnSameTopic(t *testing.T) {
	store := adapters.NewMemorySessionStore()
	message := "Berapa jumlah pelanggan di Bandung?"
	prior := ports.NewConversationState("t-5")
	prior.LastContextSignature = ContextSignature(ClassifyIntent("Berapa total pelanggan di Jakarta?"))
	prior.PendingGuidance = "- cite the asset database"
	require.NoError(t, store.Put(context.Background(), "t-5", prior))

	provider := newScriptedProvider(map[string][]reply{"dialogue": {text("Silakan sebutkan periode datanya.")}})
	h := newHarness(t, provider, store, DefaultPolicy())

	res, err := h.orch.ProcessTurn(context.Background(), "t-5", message, ports.UserContext{})
	require.NoError(t, err)
	assert.Equal(t, StateEndNoTools, res.TerminalState)
	assert.Contains(t, provider.prompt("dialogue", 0).System, "- cite the asset database")

	state, _, err := h.orch.Thread(context.Background(), "t-5")
	require.NoError(t, err)
	assert.Equal(t, []string{ports.RoleUser, ports.RoleAssistant}, roles(state.History))
	assert.Equal(t, message, state.History[0].Content)
	assert.Empty(t, state.PendingGuidance)
}

func TestProcessTurnDirectAnswer(t *testing.T) {
	provider := newScriptedProvider(map[string][]reply{"dialogue": {text("Halo! Ada yang bisa saya bantu?")}})
	h := newHarness(t, provider, nil, DefaultPolicy())

	res, err := h.orch.ProcessTurn(context.Background(), "t-6", "Halo", ports.UserContext{})
	require.NoError(t, err)
	assert.Equal(t, StateEndNoTools, res.TerminalState)
	assert.Equal(t, "Halo! Ada yang bisa saya bantu?", res.FinalText)
	assert.Empty(t, res.ToolCalls)
	assert.Equal(t, 0, provider.count("synthesis"))
	assert.Equal(t, 0, provider.count("quality_gate"))

	state, _, err := h.orch.Thread(context.Background(), "t-6")
	require.NoError(t, err)
	assert.Equal(t, []string{ports.RoleUser, ports.RoleAssistant}, roles(state.History))
}

func TestProcessTurnLanguageModelOutage(t *testing.T) {
	provider := newScriptedProvider(map[string][]reply{"dialogue": {failure(errors.New("503 service unavailable"))}})
	h := newHarness(t, provider, nil, DefaultPolicy())

	res, err := h.orch.ProcessTurn(context.Background(), "t-7", "Berapa total pelanggan?", ports.UserContext{})
	require.NoError(t, err)
	assert.Equal(t, StateEndNoTools, res.TerminalState)
	assert.Equal(t, DefaultFallbackText, res.FinalText)
	assert.True(t, res.Degraded)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.llmFallbacks.WithLabelValues("dialogue")))
}

func TestProcessTurnRedactsSecrets(t *testing.T) {
	provider := newScriptedProvider(map[string][]reply{"dialogue": {text("Gunakan password: hunter2 untuk login.")}})
	h := newHarness(t, provider, nil, DefaultPolicy())

	res, err := h.orch.ProcessTurn(context.Background(), "t-8", "Apa password router?", ports.UserContext{})
	require.NoError(t, err)
	assert.NotContains(t, res.FinalText, "hunter2")
	assert.Contains(t, res.FinalText, "[REDACTED]")

	state, _, err := h.orch.Thread(context.Background(), "t-8")
	require.NoError(t, err)
	assert.NotContains(t, state.History[len(state.History)-1].Content, "hunter2")
}

func TestProcessTurnBudgetExpiry(t *testing.T) {
	slow := &stubTool{name: ports.ToolWebSearch, timeout: 5 * time.Second, invoke: blocking}
	provider := newScriptedProvider(map[string][]reply{
		"dialogue":     {toolCalls(call(ports.ToolWebSearch, `{"query":"pendiri iconnet"}`))},
		"quality_gate": {judge(true)},
	})
	h := newHarness(t, provider, nil, Policy{MaxRetries: 2, TurnBudget: 50 * time.Millisecond}, slow)

	start := time.Now()
	res, err := h.orch.ProcessTurn(context.Background(), "t-9", "Siapa pendiri iconnet? cari di internet", ports.UserContext{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, ports.ToolTimedOut, res.ToolCalls[0].Status)
	assert.Contains(t, res.ToolCalls[0].ErrorDetail, "turn budget")
	assert.Equal(t, StateEnd, res.TerminalState)
	assert.Contains(t, res.FinalText, "web search could not be completed")
}

func TestProcessTurnSessionStoreErrors(t *testing.T) {
	cause := errors.New("database is locked")
	provider := newScriptedProvider(map[string][]reply{"dialogue": {text("ok")}})

	t.Run("get", func(t *testing.T) {
		h := newHarness(t, provider, &flakyStore{MemorySessionStore: adapters.NewMemorySessionStore(), getErr: cause}, DefaultPolicy())
		_, err := h.orch.ProcessTurn(context.Background(), "t-10", "Halo", ports.UserContext{})
		var serr *SessionStoreError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "get", serr.Op)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, CodeSessionStore, ErrorCode(err))
	})

	t.Run("put", func(t *testing.T) {
		h := newHarness(t, provider, &flakyStore{MemorySessionStore: adapters.NewMemorySessionStore(), putErr: cause}, DefaultPolicy())
		_, err := h.orch.ProcessTurn(context.Background(), "t-10", "Halo", ports.UserContext{})
		var serr *SessionStoreError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "put", serr.Op)
	})

	t.Run("thread lookup", func(t *testing.T) {
		h := newHarness(t, provider, &flakyStore{MemorySessionStore: adapters.NewMemorySessionStore(), getErr: cause}, DefaultPolicy())
		_, _, err := h.orch.Thread(context.Background(), "t-10")
		var serr *SessionStoreError
		require.ErrorAs(t, err, &serr)
	})
}

func TestProcessTurnRejectsEmptyInput(t *testing.T) {
	provider := newScriptedProvider(map[string][]reply{"dialogue": {text("ok")}})
	h := newHarness(t, provider, nil, DefaultPolicy())

	_, err := h.orch.ProcessTurn(context.Background(), "  ", "Halo", ports.UserContext{})
	assert.ErrorIs(t, err, ErrEmptyThreadID)

	_, err = h.orch.ProcessTurn(context.Background(), "t-11", " \n ", ports.UserContext{})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, 0, provider.count("dialogue"))
}

func TestProcessTurnSerializesThread(t *testing.T) {
	provider := newScriptedProvider(map[string][]reply{"dialogue": {text("ok")}})
	h := newHarness(t, provider, nil, DefaultPolicy())

	const turns = 8
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.ProcessTurn(context.Background(), "t-shared", fmt.Sprintf("pesan %d", i), ports.UserContext{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	state, _, err := h.orch.Thread(context.Background(), "t-shared")
	require.NoError(t, err)
	require.Len(t, state.History, 2*turns)
	for i, turn := range state.History {
		if i%2 == 0 {
			assert.Equal(t, ports.RoleUser, turn.Role)
		} else {
			assert.Equal(t, ports.RoleAssistant, turn.Role)
		}
	}
}

func TestSetPolicy(t *testing.T) {
	h := newHarness(t, newScriptedProvider(nil), nil, DefaultPolicy())
	assert.Equal(t, DefaultPolicy(), h.orch.Policy())

	h.orch.SetPolicy(Policy{MaxRetries: -3, TurnBudget: time.Second})
	assert.Equal(t, Policy{MaxRetries: 0, TurnBudget: time.Second}, h.orch.Policy())
}

type mockStore struct{ mock.Mock }

func (m *mockStore) Get(ctx context.Context, id string) (*ports.ConversationState, bool, error) {
	args := m.Called(ctx, id)
	state, _ := args.Get(0).(*ports.ConversationState)
	return state, args.Bool(1), args.Error(2)
}

func (m *mockStore) Put(ctx context.Context, id string, state *ports.ConversationState) error {
	return m.Called(ctx, id, state).Error(0)
}

func TestProcessTurnCheckpointsOnce(t *testing.T) {
	store := &mockStore{}
	store.On("Get", mock.Anything, "t-mock").Return(nil, false, nil).Once()
	store.On("Put", mock.Anything, "t-mock", mock.MatchedBy(func(s *ports.ConversationState) bool {
		return s.ThreadID == "t-mock" && len(s.History) == 2 && s.RetryCount == 0 && !s.UpdatedAt.IsZero()
	})).Return(nil).Once()

	provider := newScriptedProvider(map[string][]reply{"dialogue": {text("Halo")}})
	h := newHarness(t, provider, store, DefaultPolicy())

	_, err := h.orch.ProcessTurn(context.Background(), "t-mock", "Halo", ports.UserContext{})
	require.NoError(t, err)
	store.AssertExpectations(t)
}
