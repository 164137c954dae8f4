package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics — метрики координатора и воркера.
//
// QueueDepth — стабильная read-only поверхность для внешнего
// queue-depth-driven автоскейлера пула воркеров: он потребляет только
// эти gauges, внутрь системы не заглядывая.
type Metrics struct {
	// DispatchedTotal — количество отправленных шагов по итогу
	// (dispatched, synthesized).
	DispatchedTotal *prometheus.CounterVec

	// StepsTotal — терминальные события шагов по итогу
	// (succeeded, failed, interrupted).
	StepsTotal *prometheus.CounterVec

	// InFlight — количество шагов в полёте (handle создан,
	// терминальное событие ещё не слито).
	InFlight prometheus.Gauge

	// QueueDepth — глубина очередей по имени очереди.
	QueueDepth *prometheus.GaugeVec

	// StepDuration — длительность выполнения шага на воркере.
	StepDuration prometheus.Histogram

	// CancelRequests — количество опубликованных запросов отмены.
	CancelRequests prometheus.Counter

	// TransportRetries — количество повторов отправки после
	// ошибки транспорта.
	TransportRetries prometheus.Counter
}

// NewMetrics создаёт и регистрирует метрики.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_steps_dispatched_total",
			Help: "Steps handed to the work queue, by kind (dispatched|synthesized).",
		}, []string{"kind"}),

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_steps_total",
			Help: "Terminal step events, by outcome (succeeded|failed|interrupted).",
		}, []string{"outcome"}),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_steps_in_flight",
			Help: "Steps dispatched and not yet merged back.",
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conveyor_queue_depth",
			Help: "Ready messages per queue. Consumed by the worker-pool autoscaler.",
		}, []string{"queue"}),

		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conveyor_step_duration_seconds",
			Help:    "Wall-clock step execution time on the worker.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		CancelRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_cancel_requests_total",
			Help: "Cancellation requests published to the control channel.",
		}),

		TransportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_transport_retries_total",
			Help: "Queue send retries after a transport error.",
		}),
	}

	reg.MustRegister(
		m.DispatchedTotal,
		m.StepsTotal,
		m.InFlight,
		m.QueueDepth,
		m.StepDuration,
		m.CancelRequests,
		m.TransportRetries,
	)

	return m
}

// DepthSource — источник глубины очереди. mq.Connection удовлетворяет
// интерфейсу через замыкание в cmd (см. WatchQueueDepths).
type DepthSource func(queue string) (int, error)

// WatchQueueDepths периодически обновляет QueueDepth gauges.
// Блокирует до отмены контекста.
func (m *Metrics) WatchQueueDepths(ctx context.Context, source DepthSource, queues []string, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				depth, err := source(q)
				if err != nil {
					logger.Debug("queue depth probe failed", "queue", q, "error", err)
					continue
				}
				m.QueueDepth.WithLabelValues(q).Set(float64(depth))
			}
		}
	}
}
