package client

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests  *prometheus.CounterVec
	active    prometheus.Gauge
	cacheHits prometheus.Counter
	batchSize prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datafinder_fhir_requests_total",
			Help: "Logical FHIR requests by kind of physical request and outcome.",
		}, []string{"kind", "code"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datafinder_fhir_active_requests",
			Help: "Physical FHIR requests currently in flight.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datafinder_fhir_cache_hits_total",
			Help: "Requests answered from the response cache.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datafinder_fhir_batch_size",
			Help:    "Logical requests per batch bundle.",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
	}
	if reg == nil {
		return m
	}
	m.requests = register(reg, m.requests)
	m.active = register(reg, m.active)
	m.cacheHits = register(reg, m.cacheHits)
	m.batchSize = register(reg, m.batchSize)
	return m
}

// register reuses an identical collector registered by an earlier client.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) observe(kind string, resp Response) {
	code := strconv.Itoa(resp.Status)
	if resp.Aborted() {
		code = "aborted"
	} else if resp.Status == StatusAborted {
		code = "transport_error"
	}
	m.requests.WithLabelValues(kind, code).Inc()
}
