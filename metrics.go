package jointctl

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-client command statistics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	dispatched *prometheus.CounterVec
	failed     *prometheus.CounterVec
	timeouts   *prometheus.CounterVec
	inFlight   *prometheus.GaugeVec
	latency    *prometheus.HistogramVec
	stretched  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jointctl_commands_dispatched_total",
			Help: "Commands dispatched to a sub-client.",
		}, []string{"client"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jointctl_commands_failed_total",
			Help: "Commands that resolved with an error.",
		}, []string{"client"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jointctl_commands_timeout_total",
			Help: "Commands whose completion condition timed out.",
		}, []string{"client"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jointctl_commands_in_flight",
			Help: "Commands currently executing on a sub-client.",
		}, []string{"client"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jointctl_command_duration_seconds",
			Help:    "Time from dispatch to resolution of a sub-client command.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"client"}),
		stretched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jointctl_velocity_limited_total",
			Help: "Commands whose duration was extended by a velocity limiter.",
		}),
	}
	for _, c := range []prometheus.Collector{m.dispatched, m.failed, m.timeouts, m.inFlight, m.latency, m.stretched} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register metrics")
		}
	}
	return m, nil
}

func (m *Metrics) commandStarted(client string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(client).Inc()
	m.inFlight.WithLabelValues(client).Inc()
}

func (m *Metrics) commandFinished(client string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(client).Dec()
	m.latency.WithLabelValues(client).Observe(elapsed.Seconds())
	if err != nil {
		m.failed.WithLabelValues(client).Inc()
		if IsTimeout(err) {
			m.timeouts.WithLabelValues(client).Inc()
		}
	}
}

func (m *Metrics) recordStretch() {
	if m == nil {
		return
	}
	m.stretched.Inc()
}
