package approval

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts workflow outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	submitted      *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	notifyFailures prometheus.Counter
}

// NewMetrics registers the workflow collectors on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pe_movements_submitted_total",
		Help: "Movements submitted by kind and initial status.",
	}, []string{"kind", "status"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pe_movement_decisions_total",
		Help: "Terminal decisions taken on pending movements.",
	}, []string{"status"})
	notifyFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pe_notify_failures_total",
		Help: "Notifications the workflow failed to hand to the dispatcher.",
	})
	registerer.MustRegister(submitted, decisions, notifyFailures)
	return &Metrics{submitted: submitted, decisions: decisions, notifyFailures: notifyFailures}
}

func (m *Metrics) observeSubmit(kind, status string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) observeDecision(status string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(status).Inc()
}

func (m *Metrics) notifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}
