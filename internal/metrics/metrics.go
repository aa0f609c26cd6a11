package metrics

import "github.com/prometheus/client_golang/prometheus"

// FlowMetrics exposes counters/histograms for the symptom conversation flow.
type FlowMetrics struct {
	outcomesTotal   *prometheus.CounterVec
	remoteLatency   *prometheus.HistogramVec
	persistFailures prometheus.Counter
	activeSessions  prometheus.Gauge
}

func NewFlowMetrics(reg prometheus.Registerer) *FlowMetrics {
	m := &FlowMetrics{
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "symptomchat",
			Subsystem: "flow",
			Name:      "outcomes_total",
			Help:      "Outcomes emitted by the conversation flow controller",
		}, []string{"kind"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "symptomchat",
			Subsystem: "checker",
			Name:      "call_latency_seconds",
			Help:      "Latency of calls to the symptom checker backend",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "symptomchat",
			Subsystem: "history",
			Name:      "persist_failures_total",
			Help:      "Chat messages that could not be persisted",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "symptomchat",
			Subsystem: "gateway",
			Name:      "active_sessions",
			Help:      "Chat sessions currently held by the gateway",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.outcomesTotal, m.remoteLatency, m.persistFailures, m.activeSessions)
	return m
}

func (m *FlowMetrics) ObserveOutcome(kind string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(kind).Inc()
}

// ObserveRemoteCall records one backend call. status is "ok" or "error".
func (m *FlowMetrics) ObserveRemoteCall(op, status string, seconds float64) {
	if m == nil {
		return
	}
	m.remoteLatency.WithLabelValues(op, status).Observe(seconds)
}

func (m *FlowMetrics) ObservePersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *FlowMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
