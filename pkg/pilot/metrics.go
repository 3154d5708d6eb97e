package pilot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus instruments. A nil-safe no-op
// variant backs engines that do not export metrics.
type Metrics struct {
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	tokensUsed   *prometheus.CounterVec
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	executions   *prometheus.CounterVec
}

// NewMetrics registers the engine instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pilot",
			Name:      "steps_total",
			Help:      "Steps executed, by type and status.",
		}, []string{"type", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pilot",
			Name:      "step_duration_seconds",
			Help:      "Step execution time by type.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"type"}),
		tokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pilot",
			Name:      "tokens_used_total",
			Help:      "Tokens consumed, by source (llm or plugin).",
		}, []string{"source"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pilot",
			Name:      "cache_hits_total",
			Help:      "Step-output cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pilot",
			Name:      "cache_misses_total",
			Help:      "Step-output cache misses.",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pilot",
			Name:      "executions_total",
			Help:      "Workflow executions by final status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.stepsTotal, m.stepDuration, m.tokensUsed,
			m.cacheHits, m.cacheMisses, m.executions)
	}
	return m
}

// NopMetrics returns unregistered instruments: recording is valid but
// nothing is exported.
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}

// ObserveStep records one step completion.
func (m *Metrics) ObserveStep(stepType StepType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(string(stepType), status).Inc()
	m.stepDuration.WithLabelValues(string(stepType)).Observe(d.Seconds())
}

// AddTokens records token consumption from an LLM or plugin call.
func (m *Metrics) AddTokens(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensUsed.WithLabelValues(source).Add(float64(n))
}

// CacheHit records a step-output cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss records a step-output cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// ObserveExecution records a finished run.
func (m *Metrics) ObserveExecution(status ExecutionStatus) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(status)).Inc()
}
