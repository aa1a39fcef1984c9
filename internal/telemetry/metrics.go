// Package telemetry exposes Prometheus metrics for suite runs and builds the
// OpenTelemetry tracer provider used by the executor.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/scryrun/internal/scenario"
)

const namespace = "scryrun"

// Metrics records scenario and suite outcomes. It implements suite.Observer.
type Metrics struct {
	registry *prometheus.Registry

	scenarios *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	attempts  prometheus.Counter
	suites    prometheus.Counter
	lastPass  prometheus.Gauge
	snapshots *prometheus.CounterVec
}

// NewMetrics registers collectors on a private registry, so several
// instances can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		scenarios: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenarios_total",
			Help:      "Finished scenario runs by outcome and error kind.",
		}, []string{"scenario", "outcome", "kind"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scenario_duration_seconds",
			Help:      "Wall time of scenario runs.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"scenario"}),
		attempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenario_retries_total",
			Help:      "Scenario re-runs after a non-passing attempt.",
		}),
		suites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suites_total",
			Help:      "Finished suite runs.",
		}),
		lastPass: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "suite_last_passed",
			Help:      "1 if the most recent suite run passed, else 0.",
		}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Visual snapshots by delivery result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) ScenarioFinished(res *scenario.ExecutionResult) {
	m.scenarios.WithLabelValues(res.Scenario, string(res.Outcome), string(res.Kind)).Inc()
	m.duration.WithLabelValues(res.Scenario).Observe(res.Duration.Seconds())
	if res.Attempts > 1 {
		m.attempts.Add(float64(res.Attempts - 1))
	}
}

func (m *Metrics) SuiteFinished(rep *scenario.Report) {
	m.suites.Inc()
	if rep.Summary.AllPassed() {
		m.lastPass.Set(1)
	} else {
		m.lastPass.Set(0)
	}
}

// SnapshotDelivered counts a snapshot upload by result ("ok", "dropped",
// "error").
func (m *Metrics) SnapshotDelivered(result string) {
	m.snapshots.WithLabelValues(result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
