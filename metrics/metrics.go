// Package metrics exposes Prometheus instruments for the assistant.
//
// Every method is safe on a nil *Metrics, so components can record
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/becomeliminal/nim-assistant/tools"
)

const namespace = "assistant"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	turns           *prometheus.CounterVec
	oracleFallbacks *prometheus.CounterVec
	toolExecutions  *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	memoryMutations *prometheus.CounterVec
	ingestedChunks  prometheus.Counter
	knowledgeChunks prometheus.Gauge
}

// New creates and registers all collectors, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome.",
		}, []string{"outcome"}),
		oracleFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_fallbacks_total",
			Help:      "Oracle calls that failed and fell back to a default, by stage.",
		}, []string{"stage"}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by action and outcome.",
		}, []string{"action", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_seconds",
			Help:      "Tool execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		memoryMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_mutations_total",
			Help:      "Committed memory mutations by action.",
		}, []string{"action"}),
		ingestedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_ingested_chunks_total",
			Help:      "Knowledge chunks created by ingestion.",
		}),
		knowledgeChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "knowledge_index_chunks",
			Help:      "Entries in the knowledge index.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turns,
		m.oracleFallbacks,
		m.toolExecutions,
		m.toolDuration,
		m.memoryMutations,
		m.ingestedChunks,
		m.knowledgeChunks,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OracleFallback(stage string) {
	if m == nil {
		return
	}
	m.oracleFallbacks.WithLabelValues(stage).Inc()
}

func (m *Metrics) MemoryMutation(action string) {
	if m == nil {
		return
	}
	m.memoryMutations.WithLabelValues(action).Inc()
}

func (m *Metrics) ChunksIngested(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ingestedChunks.Add(float64(n))
}

func (m *Metrics) SetKnowledgeSize(n int) {
	if m == nil {
		return
	}
	m.knowledgeChunks.Set(float64(n))
}

// ToolObserver returns a tools.WithObserver callback recording executions.
func (m *Metrics) ToolObserver() func(action string, outcome tools.Outcome, elapsed time.Duration) {
	return func(action string, outcome tools.Outcome, elapsed time.Duration) {
		if m == nil {
			return
		}
		m.toolExecutions.WithLabelValues(action, string(outcome)).Inc()
		m.toolDuration.WithLabelValues(action).Observe(elapsed.Seconds())
	}
}
