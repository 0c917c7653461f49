package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JakeFAU/decaptcha-crawler/internal/metrics"
)

// Metrics tracks host crawl activity.
type Metrics struct {
	requests   prometheus.Counter
	pages      *prometheus.CounterVec
	deferred   prometheus.Counter
	duplicates prometheus.Counter
	errors     *prometheus.CounterVec
}

// NewMetrics registers the crawler collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_requests_total",
			Help: "Requests handed to the collector.",
		}),
		pages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Pages that passed the gate, partitioned by origin and site.",
		}, []string{"origin", "site"}),
		deferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_deferred_total",
			Help: "Requests and responses withheld by the gate.",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawler_duplicates_total",
			Help: "Requests dropped by duplicate filtering.",
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_request_errors_total",
			Help: "Failed requests, partitioned by status class.",
		}, []string{"status"}),
	}
}

func (m *Metrics) incRequests() {
	if m != nil {
		m.requests.Inc()
	}
}

func (m *Metrics) incPages(recovered bool, pageURL string) {
	if m == nil {
		return
	}
	origin := "crawl"
	if recovered {
		origin = "recovered"
	}
	m.pages.WithLabelValues(origin, metrics.SanitizeSite(pageURL)).Inc()
}

func (m *Metrics) incDeferred() {
	if m != nil {
		m.deferred.Inc()
	}
}

func (m *Metrics) incDuplicates() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) incErrors(status int) {
	if m == nil {
		return
	}
	label := "transport"
	switch {
	case status >= 500:
		label = "5xx"
	case status >= 400:
		label = "4xx"
	}
	m.errors.WithLabelValues(label).Inc()
}
