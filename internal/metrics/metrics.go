// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ForwardDuration  *prometheus.HistogramVec
	CallLogDropped   prometheus.Counter
	CallLogFailed    prometheus.Counter
	RateLimitRejects prometheus.Counter
	RateLimitKeys    prometheus.GaugeFunc
}

// New registers the collectors with reg. rateLimitKeys reports the live
// bucket count and may be nil.
func New(reg prometheus.Registerer, rateLimitKeys func() float64) *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "requests_total",
				Help:      "Dynamic endpoint requests by outcome and last stage reached",
			},
			[]string{"outcome", "stage"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Time from request receipt to response emission",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		ForwardDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "forward_duration_seconds",
				Help:      "Outbound call duration by destination status class",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status_class"},
		),
		CallLogDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "calllog_dropped_total",
				Help:      "Call log entries dropped because the queue was full",
			},
		),
		CallLogFailed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "calllog_failed_total",
				Help:      "Call log entries the store failed to persist",
			},
		),
		RateLimitRejects: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "ratelimit_rejections_total",
				Help:      "Requests rejected by the token bucket",
			},
		),
	}

	if rateLimitKeys != nil {
		m.RateLimitKeys = promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Name:      "ratelimit_keys",
				Help:      "Number of live rate limit buckets in this process",
			},
			rateLimitKeys,
		)
	}
	return m
}

// StatusClass buckets an HTTP status into "2xx".."5xx".
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
