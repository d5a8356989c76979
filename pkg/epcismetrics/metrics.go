// Package epcismetrics exposes the repository's Prometheus instrumentation,
// grouped by concern the way the ambient metrics package in the rest of
// this codebase's stack groups HTTP/business/storage metrics.
package epcismetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/histogram/gauge this process registers.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	CapturesTotal      *prometheus.CounterVec
	CaptureEventsTotal prometheus.Counter
	CaptureDuration    prometheus.Histogram

	QueriesTotal    *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
	QueryRowsReturned prometheus.Histogram

	SubscriptionDeliveriesTotal *prometheus.CounterVec
	SubscriptionRetryTotal      *prometheus.CounterVec
	SubscriptionFailuresTotal   *prometheus.CounterVec

	StorageQueriesTotal    *prometheus.CounterVec
	StorageQueryDuration   *prometheus.HistogramVec
}

// New builds and registers Metrics against the default registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry builds Metrics and registers it against reg.
func NewWithRegistry(serviceName string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"service": serviceName}
	factory := prometheus.WrapRegistererWith(labels, reg)

	m := &Metrics{
		HTTPRequestsTotal: registerCounterVec(factory, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epcis_http_requests_total",
			Help: "Total HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"})),
		HTTPRequestDuration: registerHistogramVec(factory, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "epcis_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"})),
		HTTPRequestsInFlight: registerGauge(factory, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "epcis_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		})),
		CapturesTotal: registerCounterVec(factory, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epcis_captures_total",
			Help: "Total captures processed by outcome.",
		}, []string{"outcome"})),
		CaptureEventsTotal: registerCounter(factory, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "epcis_capture_events_total",
			Help: "Total events persisted across all captures.",
		})),
		CaptureDuration: registerHistogram(factory, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "epcis_capture_duration_seconds",
			Help:    "Capture handler duration in seconds.",
			Buckets: prometheus.DefBuckets,
		})),
		QueriesTotal: registerCounterVec(factory, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epcis_queries_total",
			Help: "Total queries executed by outcome.",
		}, []string{"outcome"})),
		QueryDuration: registerHistogramVec(factory, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "epcis_query_duration_seconds",
			Help:    "Query engine duration in seconds by phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"})),
		QueryRowsReturned: registerHistogram(factory, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "epcis_query_rows_returned",
			Help:    "Rows returned per query.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		})),
		SubscriptionDeliveriesTotal: registerCounterVec(factory, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epcis_subscription_deliveries_total",
			Help: "Subscription deliveries by subscription and outcome.",
		}, []string{"subscription", "outcome"})),
		SubscriptionRetryTotal: registerCounterVec(factory, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epcis_subscription_retries_total",
			Help: "Subscription delivery retries by subscription.",
		}, []string{"subscription"})),
		SubscriptionFailuresTotal: registerCounterVec(factory, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epcis_subscription_failures_total",
			Help: "Subscription deliveries that exhausted retries.",
		}, []string{"subscription"})),
		StorageQueriesTotal: registerCounterVec(factory, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epcis_storage_queries_total",
			Help: "Storage operations by kind and outcome.",
		}, []string{"op", "outcome"})),
		StorageQueryDuration: registerHistogramVec(factory, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "epcis_storage_query_duration_seconds",
			Help:    "Storage operation duration in seconds by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"})),
	}
	return m
}

func registerCounterVec(f prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	f.MustRegister(c)
	return c
}

func registerCounter(f prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	f.MustRegister(c)
	return c
}

func registerHistogram(f prometheus.Registerer, h prometheus.Histogram) prometheus.Histogram {
	f.MustRegister(h)
	return h
}

func registerHistogramVec(f prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	f.MustRegister(h)
	return h
}

func registerGauge(f prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	f.MustRegister(g)
	return g
}
