package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	outcomeOK          = "ok"
	outcomeVendorError = "vendor_error"
	outcomeNoSecret    = "no_secret"
)

type Metrics struct {
	registry      *prometheus.Registry
	tokenRequests *prometheus.CounterVec
	vendorLatency prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokenRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime_console",
			Subsystem: "broker",
			Name:      "token_requests_total",
			Help:      "Token requests served, by outcome.",
		}, []string{"outcome"}),
		vendorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "realtime_console",
			Subsystem: "broker",
			Name:      "vendor_request_seconds",
			Help:      "Latency of client secret requests to the vendor API.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.tokenRequests,
		m.vendorLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
