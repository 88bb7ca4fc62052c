package torture

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks participant and heartbeat activity. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	SessionsClosed    prometheus.Counter
	SessionsActive    prometheus.Gauge
	JoinDuration      prometheus.Histogram
	Transitions       *prometheus.CounterVec
	HeartbeatTicks    prometheus.Counter
	HeartbeatFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torture",
			Name:      "sessions_created_total",
			Help:      "Browser sessions launched for participants.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torture",
			Name:      "sessions_closed_total",
			Help:      "Browser sessions closed.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "torture",
			Name:      "sessions_active",
			Help:      "Browser sessions currently open.",
		}),
		JoinDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "torture",
			Name:      "join_duration_seconds",
			Help:      "Time from launch until a participant is joined.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80},
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torture",
			Name:      "participant_transitions_total",
			Help:      "Participant state transitions by target state.",
		}, []string{"state"}),
		HeartbeatTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torture",
			Name:      "heartbeat_ticks_total",
			Help:      "Heartbeat ticks executed.",
		}),
		HeartbeatFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torture",
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat tick failures by participant.",
		}, []string{"participant"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsCreated,
			m.SessionsClosed,
			m.SessionsActive,
			m.JoinDuration,
			m.Transitions,
			m.HeartbeatTicks,
			m.HeartbeatFailures,
		)
	}
	return m
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.SessionsActive.Dec()
}

func (m *Metrics) joined(d time.Duration) {
	if m == nil {
		return
	}
	m.JoinDuration.Observe(d.Seconds())
}

func (m *Metrics) transition(to State) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) heartbeatTick() {
	if m == nil {
		return
	}
	m.HeartbeatTicks.Inc()
}

func (m *Metrics) heartbeatFailure(participant string) {
	if m == nil {
		return
	}
	m.HeartbeatFailures.WithLabelValues(participant).Inc()
}
