package utils

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics содержит метрики биллинга. Методы безопасны для nil.
type Metrics struct {
	contractTransitions *prometheus.CounterVec
	paymentResults      *prometheus.CounterVec
	gatewayFailures     *prometheus.CounterVec
	remindersSent       *prometheus.CounterVec
	notifyFailures      prometheus.Counter
	sweepRuns           *prometheus.CounterVec
	sweepDuration       prometheus.Histogram
}

// NewMetrics регистрирует метрики в переданном реестре
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		contractTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "contract_transitions_total",
			Help:      "Переходы статусов договоров.",
		}, []string{"to"}),
		paymentResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "payment_results_total",
			Help:      "Результаты обработки платежей по способу оплаты и статусу.",
		}, []string{"method", "status"}),
		gatewayFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "gateway_failures_total",
			Help:      "Ошибки платежного шлюза по шагам протокола.",
		}, []string{"step"}),
		remindersSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "reminders_sent_total",
			Help:      "Отправленные напоминания по типу порога.",
		}, []string{"kind"}),
		notifyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "notification_failures_total",
			Help:      "Ошибки отправки уведомлений.",
		}),
		sweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "reminder_sweeps_total",
			Help:      "Запуски обхода платежей по результату.",
		}, []string{"outcome"}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "reminder_sweep_duration_seconds",
			Help:      "Длительность обхода платежей.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// RecordContractTransition записывает переход статуса договора
func (m *Metrics) RecordContractTransition(to string) {
	if m == nil {
		return
	}
	m.contractTransitions.WithLabelValues(to).Inc()
}

// RecordPayment записывает результат обработки платежа
func (m *Metrics) RecordPayment(method, status string) {
	if m == nil {
		return
	}
	m.paymentResults.WithLabelValues(method, status).Inc()
}

// RecordGatewayFailure записывает ошибку шага платежного шлюза
func (m *Metrics) RecordGatewayFailure(step string) {
	if m == nil {
		return
	}
	m.gatewayFailures.WithLabelValues(step).Inc()
}

// RecordReminder записывает отправленное напоминание
func (m *Metrics) RecordReminder(kind string) {
	if m == nil {
		return
	}
	m.remindersSent.WithLabelValues(kind).Inc()
}

// RecordNotificationFailure записывает ошибку отправки уведомления
func (m *Metrics) RecordNotificationFailure() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

// RecordSweep записывает результат и длительность обхода
func (m *Metrics) RecordSweep(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.sweepDuration.Observe(duration.Seconds())
	}
}
