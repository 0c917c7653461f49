package decaptcha

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns the gate's Prometheus collectors.
type Metrics struct {
	detected      *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	deferred      *prometheus.CounterVec
	replayed      prometheus.Counter
	pending       prometheus.Gauge
	paused        prometheus.Gauge
	solveDuration *prometheus.HistogramVec
}

// NewMetrics registers the gate collectors against reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		detected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decaptcha_challenges_detected_total",
			Help: "Challenges detected, partitioned by engine.",
		}, []string{"engine"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decaptcha_challenges_completed_total",
			Help: "Solve pipelines completed, partitioned by engine and outcome.",
		}, []string{"engine", "outcome"}),
		deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decaptcha_deferred_total",
			Help: "Requests and responses withheld while the crawl was paused.",
		}, []string{"kind"}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decaptcha_replayed_requests_total",
			Help: "Deferred requests re-dispatched on resume.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "decaptcha_pending_requests",
			Help: "Requests currently queued behind a challenge.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "decaptcha_paused",
			Help: "1 while the crawl is paused for a challenge.",
		}),
		solveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "decaptcha_solve_duration_seconds",
			Help:    "Wall time from detection to pipeline completion.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"engine", "outcome"}),
	}
	for _, c := range []prometheus.Collector{
		m.detected,
		m.outcomes,
		m.deferred,
		m.replayed,
		m.pending,
		m.paused,
		m.solveDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register decaptcha collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observeDetected(engine string) {
	if m == nil {
		return
	}
	m.detected.WithLabelValues(engine).Inc()
}

func (m *Metrics) observeDeferred(kind string) {
	if m == nil {
		return
	}
	m.deferred.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeOutcome(o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(o.Engine, string(o.Status)).Inc()
	m.solveDuration.WithLabelValues(o.Engine, string(o.Status)).Observe(o.Duration().Seconds())
}

func (m *Metrics) observeState(paused bool, pending int) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
	m.pending.Set(float64(pending))
}

func (m *Metrics) observeReplayed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.replayed.Add(float64(n))
}
