package boot

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts resolutions and attempt-log failures.
type Metrics struct {
	resolutions    *prometheus.CounterVec
	appendFailures prometheus.Counter
}

// NewMetrics registers the resolver collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bootvault",
			Subsystem: "boot",
			Name:      "resolutions_total",
			Help:      "Boot resolutions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		appendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bootvault",
			Subsystem: "boot",
			Name:      "attempt_append_failures_total",
			Help:      "Attempt records that could not be persisted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.resolutions, m.appendFailures)
	}
	return m
}
