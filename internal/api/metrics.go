package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/SentinelSoftworks/sentinel-license-engine/sentlicense"
)

type metrics struct {
	validations      *prometheus.CounterVec
	validateDuration prometheus.Histogram
	adminOps         *prometheus.CounterVec
}

var registered *metrics

// newMetrics registers the collectors once; repeated Server construction in
// tests reuses the same set.
func newMetrics() *metrics {
	if registered != nil {
		return registered
	}
	registered = &metrics{
		validations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_validations_total",
			Help: "Validation attempts by verdict.",
		}, []string{"verdict"}),
		validateDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_validate_duration_seconds",
			Help:    "Server-side validation latency.",
			Buckets: prometheus.DefBuckets,
		}),
		adminOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_admin_operations_total",
			Help: "Completed admin operations by kind.",
		}, []string{"operation"}),
	}
	return registered
}

func (m *metrics) observeValidation(v sentlicense.Verdict, d time.Duration) {
	m.validations.WithLabelValues(string(v)).Inc()
	m.validateDuration.Observe(d.Seconds())
}
