package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// QueryMetrics records procedure executions per definition and operation.
type QueryMetrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewQueryMetrics registers the query collectors on reg.
func NewQueryMetrics(reg prometheus.Registerer) (*QueryMetrics, error) {
	m := &QueryMetrics{
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vql_query_executions_total",
				Help: "Total number of query procedure executions.",
			},
			[]string{"definition", "operation", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vql_query_duration_seconds",
				Help:    "Query procedure execution latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"definition", "operation"},
		),
	}

	for _, c := range []prometheus.Collector{m.executions, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe records one execution. A nil receiver records nothing.
func (m *QueryMetrics) Observe(definition, operation string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.executions.WithLabelValues(definition, operation, status).Inc()
	m.duration.WithLabelValues(definition, operation).Observe(elapsed.Seconds())
}
