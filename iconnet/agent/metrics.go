package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for turn processing. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	turns           *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	toolCalls       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	reflectionRetry prometheus.Counter
	llmFallbacks    *prometheus.CounterVec
}

// MustNewMetrics registers the collectors with reg, panicking on conflicts.
// Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iconnet",
			Subsystem: "agent",
			Name:      "turns_total",
			Help:      "Processed user turns by terminal state.",
		}, []string{"terminal_state"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "iconnet",
			Subsystem: "agent",
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock duration of a user turn.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 45, 90, 180},
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iconnet",
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and terminal status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "iconnet",
			Subsystem: "agent",
			Name:      "tool_duration_seconds",
			Help:      "Tool call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		reflectionRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "iconnet",
			Subsystem: "agent",
			Name:      "reflection_retries_total",
			Help:      "Pipeline re-entries ordered by the reflection controller.",
		}),
		llmFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iconnet",
			Subsystem: "agent",
			Name:      "llm_fallbacks_total",
			Help:      "Language model failures absorbed by a fallback, by stage.",
		}, []string{"stage"}),
	}
	reg.MustRegister(m.turns, m.turnDuration, m.toolCalls, m.toolDuration, m.reflectionRetry, m.llmFallbacks)
	return m
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(terminalState string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(terminalState).Inc()
	m.turnDuration.Observe(d.Seconds())
}

// ObserveToolCall records a settled tool call.
func (m *Metrics) ObserveToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// IncReflectionRetry counts one retry.
func (m *Metrics) IncReflectionRetry() {
	if m == nil {
		return
	}
	m.reflectionRetry.Inc()
}

// IncLLMFallback counts a degraded language model stage.
func (m *Metrics) IncLLMFallback(stage string) {
	if m == nil {
		return
	}
	m.llmFallbacks.WithLabelValues(stage).Inc()
}
