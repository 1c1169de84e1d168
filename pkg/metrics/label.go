package metrics

import "github.com/prometheus/client_golang/prometheus"

// LabelMetrics tracks carrier label purchase attempts.
type LabelMetrics struct {
	attempts     *prometheus.CounterVec
	rateRefresh  prometheus.Counter
	jobsInFlight prometheus.Gauge
}

// NewLabelMetrics registers the label workflow metrics on the provided registerer.
func NewLabelMetrics(reg prometheus.Registerer) *LabelMetrics {
	if reg == nil {
		return &LabelMetrics{}
	}
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "label_attempts_total",
		Help: "Shipping label purchase attempts by result.",
	}, []string{"result"})
	rateRefresh := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "label_rate_refreshes_total",
		Help: "Shipping rate refreshes triggered by expired rates.",
	})
	jobsInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "label_queue_jobs",
		Help: "Label creation jobs waiting in the label queue.",
	})
	reg.MustRegister(attempts, rateRefresh, jobsInFlight)
	return &LabelMetrics{attempts: attempts, rateRefresh: rateRefresh, jobsInFlight: jobsInFlight}
}

func (m *LabelMetrics) IncAttempt(result string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *LabelMetrics) IncRateRefresh() {
	if m == nil || m.rateRefresh == nil {
		return
	}
	m.rateRefresh.Inc()
}

func (m *LabelMetrics) SetJobs(n int) {
	if m == nil || m.jobsInFlight == nil {
		return
	}
	m.jobsInFlight.Set(float64(n))
}
