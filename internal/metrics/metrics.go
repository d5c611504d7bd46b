// Package metrics defines the Prometheus collectors recorded by the token
// verifier.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for Verifications.
const (
	OutcomeLocal         = "local"
	OutcomeCache         = "cache"
	OutcomeIntrospection = "introspection"
	OutcomeRejected      = "rejected"
)

// Verifier holds the collectors for one verifier instance. A nil *Verifier
// records nothing.
type Verifier struct {
	Verifications         *prometheus.CounterVec
	IntrospectionDuration *prometheus.HistogramVec
	CacheEntries          prometheus.GaugeFunc
}

// NewVerifier creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests that build many verifiers want.
// cacheLen is read at scrape time; nil reports zero.
func NewVerifier(reg prometheus.Registerer, cacheLen func() int) *Verifier {
	if cacheLen == nil {
		cacheLen = func() int { return 0 }
	}
	f := promauto.With(reg)
	return &Verifier{
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tokengate_verifications_total",
			Help: "Bearer token verifications by terminal outcome and reason",
		}, []string{"outcome", "reason"}),

		IntrospectionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokengate_introspection_duration_seconds",
			Help:    "Round trip time of token introspection calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2.0, 12), // 5ms to ~10s
		}, []string{"result"}),

		CacheEntries: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tokengate_introspection_cache_entries",
			Help: "Introspection verdicts currently cached",
		}, func() float64 { return float64(cacheLen()) }),
	}
}

func (m *Verifier) Verified(outcome, reason string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(outcome, reason).Inc()
}

func (m *Verifier) Introspected(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.IntrospectionDuration.WithLabelValues(result).Observe(d.Seconds())
}
