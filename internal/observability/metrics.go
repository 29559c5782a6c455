package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	ActiveSessions       prometheus.Gauge
	SessionOutcomes      *prometheus.CounterVec
	Fragments            *prometheus.CounterVec
	FragmentBytes        prometheus.Histogram
	UpstreamErrors       *prometheus.CounterVec
	DecodeAnomalies      prometheus.Counter
	FirstFragmentLatency prometheus.Histogram
}

// NewMetrics registers the instruments on a private registry so several
// instances can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of streaming sessions currently relaying.",
		}),
		SessionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Finished sessions by outcome.",
		}, []string{"outcome"}),
		Fragments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Emitted fragments by flush trigger.",
		}, []string{"trigger"}),
		FragmentBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fragment_bytes",
			Help:      "Size of emitted fragments in bytes.",
			Buckets:   []float64{8, 16, 32, 64, 128, 256, 512},
		}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream failures by kind, label and retryability.",
		}, []string{"kind", "label", "retryable"}),
		DecodeAnomalies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_anomalies_total",
			Help:      "Invalid UTF-8 sequences withheld from clients.",
		}),
		FirstFragmentLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_fragment_latency_ms",
			Help:      "Latency from session open to first emitted fragment in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed(outcome string, total time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionOutcomes.WithLabelValues(outcome).Inc()
	m.stages.ObserveIndicator(outcome)
	m.stages.Observe(StageSessionTotal, durationMS(total))
}

func (m *Metrics) ObserveFragment(trigger string, size int) {
	if m == nil {
		return
	}
	m.Fragments.WithLabelValues(trigger).Inc()
	m.FragmentBytes.Observe(float64(size))
}

func (m *Metrics) ObserveUpstreamError(kind, label string, retryable bool) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(kind, label, strconv.FormatBool(retryable)).Inc()
}

func (m *Metrics) AddDecodeAnomalies(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DecodeAnomalies.Add(float64(n))
}

func (m *Metrics) ObserveFirstFragmentLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstFragmentLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageFirstFragment, durationMS(d))
}

func (m *Metrics) ObserveUpstreamOpen(d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(StageUpstreamOpen, durationMS(d))
}

// SnapshotStages returns rolling latency percentiles for the last sessions.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
