package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wavefix/wavefix/pkg/models"
)

// Metrics exposes run progress to Prometheus.
type Metrics struct {
	sessionsByStatus *prometheus.GaugeVec
	prsCreated       prometheus.Gauge
	eventsTotal      *prometheus.CounterVec
}

// NewMetrics registers the run instruments on reg. Pass a fresh registry
// per process; instruments are process-wide, not per-run.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wavefix",
			Name:      "sessions",
			Help:      "Remediation sessions by lifecycle status.",
		}, []string{"status"}),
		prsCreated: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wavefix",
			Name:      "prs_created",
			Help:      "Pull requests created in the current run.",
		}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavefix",
			Name:      "timeline_events_total",
			Help:      "Timeline events appended, by kind.",
		}, []string{"event_type"}),
	}
}

// ObserveRun refreshes the session status gauges from a recount.
func (m *Metrics) ObserveRun(run *models.BatchRun) {
	counts := map[models.SessionStatus]int{}
	for _, wave := range run.Waves {
		for _, sess := range wave.Sessions {
			counts[sess.Status]++
		}
	}
	for _, status := range []models.SessionStatus{
		models.StatusPending, models.StatusDispatched, models.StatusWorking,
		models.StatusBlocked, models.StatusSuccess, models.StatusFailed,
		models.StatusTimeout,
	} {
		m.sessionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	m.prsCreated.Set(float64(run.PRsCreated))
}

// CountEvent increments the event counter for one timeline event kind.
func (m *Metrics) CountEvent(eventType string) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
}
