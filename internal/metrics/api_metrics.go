package metrics

import "github.com/prometheus/client_golang/prometheus"

// APIMetrics covers the HTTP and gRPC surfaces.
//
// route is the chi route pattern or the gRPC full method name, never a raw
// URL, so cardinality stays bounded by the number of endpoints.
type APIMetrics struct {
	registry *Registry

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
}

const apiSubsystem = "api"

func newAPIMetrics(r *Registry) *APIMetrics {
	m := &APIMetrics{registry: r}

	m.Requests = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: apiSubsystem,
		Name:      "requests_total",
		Help:      "Requests served, by transport, route and status code",
	}, []string{"transport", "route", "code"})

	m.RequestDuration = r.newHistogramVec(prometheus.HistogramOpts{
		Subsystem: apiSubsystem,
		Name:      "request_duration_seconds",
		Help:      "Request latency, including long-poll waits",
	}, []string{"transport", "route"})

	m.RateLimited = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: apiSubsystem,
		Name:      "rate_limited_total",
		Help:      "Publishes rejected by the rate limiter",
	}, []string{"transport"})

	return m
}

// RecordRequest records one served request.
func (m *APIMetrics) RecordRequest(transport, route, code string, seconds float64) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Requests.WithLabelValues(transport, route, code).Inc()
	m.RequestDuration.WithLabelValues(transport, route).Observe(seconds)
}

// RecordRateLimited records a publish turned away by the limiter.
func (m *APIMetrics) RecordRateLimited(transport string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.RateLimited.WithLabelValues(transport).Inc()
}
