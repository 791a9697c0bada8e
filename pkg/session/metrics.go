package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics Prometheus метрики оркестратора. С nil Registerer метрики
// создаются, но не регистрируются.
type metrics struct {
	started     *prometheus.CounterVec
	terminated  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	setup       prometheus.Histogram
	candidates  prometheus.Counter
	active      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		started: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtcall",
			Subsystem: "session",
			Name:      "calls_started_total",
			Help:      "Количество начатых вызовов по роли",
		}, []string{"role"}),
		terminated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtcall",
			Subsystem: "session",
			Name:      "calls_terminated_total",
			Help:      "Количество завершённых вызовов по причине",
		}, []string{"reason"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtcall",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Переходы между состояниями вызова",
		}, []string{"from", "to"}),
		setup: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rtcall",
			Subsystem: "session",
			Name:      "setup_duration_seconds",
			Help:      "Время от создания вызова до соединения",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		candidates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtcall",
			Subsystem: "session",
			Name:      "trickle_candidates_sent_total",
			Help:      "Локальные кандидаты, отправленные по побочному каналу",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtcall",
			Subsystem: "session",
			Name:      "calls_active",
			Help:      "Активные вызовы",
		}),
	}
}

func (m *metrics) callStarted(role Role) {
	m.started.WithLabelValues(role.String()).Inc()
	m.active.Inc()
}

func (m *metrics) callTerminated(reason Reason) {
	m.terminated.WithLabelValues(reason.String()).Inc()
	m.active.Dec()
}

func (m *metrics) transition(from, to CallState) {
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *metrics) connected(d time.Duration) {
	m.setup.Observe(d.Seconds())
}

func (m *metrics) candidatesSent(n int) {
	m.candidates.Add(float64(n))
}
