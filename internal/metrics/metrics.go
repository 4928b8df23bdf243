// Package metrics exposes Prometheus counters and histograms for the
// webhook, agent loop, and tools.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/asesor/internal/agent"
)

const namespace = "asesor"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Messages          *prometheus.CounterVec
	Greetings         prometheus.Counter
	RateLimited       prometheus.Counter
	HandleDuration    prometheus.Histogram
	Completions       *prometheus.CounterVec
	CompletionLatency prometheus.Histogram
	Tokens            *prometheus.CounterVec
	Runs              *prometheus.CounterVec
	RunIterations     prometheus.Histogram
	ToolCalls         *prometheus.CounterVec
	ToolLatency       *prometheus.HistogramVec
	SendFailures      prometheus.Counter
	DependencyUp      *prometheus.GaugeVec
}

// New registers the collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages logged, by direction.",
		}, []string{"direction"}),
		Greetings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "greeting_fast_path_total",
			Help:      "Inbound greetings answered without the agent.",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Inbound messages rejected by the per-sender rate limit.",
		}),
		HandleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_duration_seconds",
			Help:      "Time to handle one inbound message end to end.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}),
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion calls, by model and result.",
		}, []string{"model", "result"}),
		CompletionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Completion call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
		}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed, by model and kind.",
		}, []string{"model", "kind"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Agent loop runs, by outcome.",
		}, []string{"outcome"}),
		RunIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_completions_per_run",
			Help:      "Completion calls per agent run.",
			Buckets:   prometheus.LinearBuckets(1, 1, 9),
		}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool dispatches, by tool and result.",
		}, []string{"tool", "result"}),
		ToolLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"tool"}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound WhatsApp sends that failed.",
		}),
		DependencyUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_up",
			Help:      "Whether the last probe of a dependency succeeded.",
		}, []string{"service"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveTool implements tools.Observer.
func (m *Metrics) ObserveTool(name string, success bool, elapsed time.Duration) {
	m.ToolCalls.WithLabelValues(name, result(success)).Inc()
	m.ToolLatency.WithLabelValues(name).Observe(elapsed.Seconds())
}

// ObserveCompletion implements agent.Observer.
func (m *Metrics) ObserveCompletion(model string, elapsed time.Duration, inputTokens, outputTokens int, err error) {
	m.Completions.WithLabelValues(model, result(err == nil)).Inc()
	m.CompletionLatency.Observe(elapsed.Seconds())
	if err == nil {
		m.Tokens.WithLabelValues(model, "input").Add(float64(inputTokens))
		m.Tokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// ObserveRun implements agent.Observer.
func (m *Metrics) ObserveRun(outcome agent.Outcome, iterations int) {
	m.Runs.WithLabelValues(string(outcome)).Inc()
	m.RunIterations.Observe(float64(iterations))
}

// ObserveDependency implements health.Observer.
func (m *Metrics) ObserveDependency(name string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.DependencyUp.WithLabelValues(name).Set(v)
}
