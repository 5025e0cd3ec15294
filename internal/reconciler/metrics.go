package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricNotificationsTotal     = "gateway_notifications_total"
	MetricDuplicateNotifications = "gateway_notifications_duplicate_total"
	MetricChannelMismatches      = "gateway_notifications_channel_mismatch_total"
	MetricUnresolvedReferences   = "gateway_notifications_unresolved_total"
	MetricFinalizationsTotal     = "checkout_finalizations_total"
	MetricCompensationsTotal     = "payment_compensations_total"
)

// Metrics contains Prometheus metrics for reconciliation and finalization.
// All operations are thread-safe.
type Metrics struct {
	notifications        *prometheus.CounterVec
	duplicates           *prometheus.CounterVec
	channelMismatches    prometheus.Counter
	unresolvedReferences *prometheus.CounterVec
	finalizations        *prometheus.CounterVec
	compensations        *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them.
func NewMetrics() *Metrics {
	return &Metrics{
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricNotificationsTotal,
				Help: "Total gateway notifications processed by gateway, event type, and outcome",
			},
			[]string{"gateway", "event_type", "outcome"},
		),
		duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDuplicateNotifications,
				Help: "Total notifications skipped because the ledger already held the entry",
			},
			[]string{"gateway"},
		),
		channelMismatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricChannelMismatches,
				Help: "Total notifications rejected because the payment belongs to another channel",
			},
		),
		unresolvedReferences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricUnresolvedReferences,
				Help: "Total notifications with a merchant reference matching no payment",
			},
			[]string{"gateway"},
		),
		finalizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricFinalizationsTotal,
				Help: "Total checkout finalization attempts by result",
			},
			[]string{"result"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCompensationsTotal,
				Help: "Total compensation calls issued by kind",
			},
			[]string{"kind"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.notifications,
		m.duplicates,
		m.channelMismatches,
		m.unresolvedReferences,
		m.finalizations,
		m.compensations,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncNotification counts one processed notification.
func (m *Metrics) IncNotification(gateway, eventType, outcome string) {
	m.notifications.WithLabelValues(gateway, eventType, outcome).Inc()
}

// IncDuplicate counts a ledger-level duplicate skip.
func (m *Metrics) IncDuplicate(gateway string) {
	m.duplicates.WithLabelValues(gateway).Inc()
}

// IncChannelMismatch counts a channel guard rejection.
func (m *Metrics) IncChannelMismatch() {
	m.channelMismatches.Inc()
}

// IncUnresolvedReference counts a notification that matched no payment.
func (m *Metrics) IncUnresolvedReference(gateway string) {
	m.unresolvedReferences.WithLabelValues(gateway).Inc()
}

// IncFinalization counts a finalization attempt by result.
func (m *Metrics) IncFinalization(result string) {
	m.finalizations.WithLabelValues(result).Inc()
}

// IncCompensation counts a compensation call by kind ("refund" or "void").
func (m *Metrics) IncCompensation(kind string) {
	m.compensations.WithLabelValues(kind).Inc()
}
