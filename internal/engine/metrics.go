package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько времени заняла обработка сообщения целиком
	MessageDuration *prometheus.HistogramVec

	// Traffic: исходы задач по типам
	TasksTotal *prometheus.CounterVec

	// Вердикты шлюза уверенности
	GateDecisions *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: сколько задач исполняется прямо сейчас
	InFlightTasks prometheus.Gauge

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		MessageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asst_message_duration_seconds",
			Help:    "Histogram of message handling latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"status"}),

		TasksTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "asst_tasks_total",
			Help: "Total number of tasks by terminal status.",
		}, []string{"task_type", "status"}),

		GateDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "asst_gate_decisions_total",
			Help: "Confidence gate verdicts by task type and mode.",
		}, []string{"task_type", "mode"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "asst_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: timeout, executor_error, throttled, storage, audit_unavailable

		InFlightTasks: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "asst_tasks_in_flight",
			Help: "Number of tasks currently being executed.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "asst_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"connector_id"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "asst_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
