package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ospolov/conveyor/internal/cancel"
	"github.com/ospolov/conveyor/internal/ledger"
	"github.com/ospolov/conveyor/internal/mq"
	"github.com/ospolov/conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultPrefetch       = 5
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 30 * time.Second
)

// ResultPublisher — публикация результатов выполнения.
// mq.Publisher удовлетворяет интерфейсу.
type ResultPublisher interface {
	PublishResult(ctx context.Context, payload mq.ResultPayload) error
}

// Worker выполняет отдельные шаги.
//
// Worker — stateless компонент системы, который:
//   - Получает шаги из очереди steps.ready (event-driven)
//   - Проверяет ledger: COMPLETED шаг не выполняется повторно,
//     воркер переиздаёт записанный результат
//   - Выполняет шаг через Executor registry под отменяемым контекстом,
//     зарегистрированным для кооперативной отмены
//   - Реализует retry с exponential backoff
//   - Пишет терминальное состояние в ledger и публикует результат
//
// Workers масштабируются горизонтально — несколько экземпляров
// могут потреблять из одной очереди.
type Worker struct {
	store     ledger.Ledger
	publisher ResultPublisher
	conn      *mq.Connection
	registry  *Registry
	units     *cancel.Registry

	consumer *mq.Consumer
	prefetch int

	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	logger  *slog.Logger
	metrics *telemetry.Metrics

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	// Ledger — idempotency ledger (обязателен).
	Ledger ledger.Ledger

	// Publisher — публикация результатов. nil допустим: координатор
	// добирает результат через ledger polling.
	Publisher ResultPublisher

	// Conn — подключение к RabbitMQ.
	Conn *mq.Connection

	// Registry — реестр executor'ов (опционально; если nil — NewRegistry()).
	Registry *Registry

	// Units — реестр выполняющихся задач для кооперативной отмены
	// (опционально; если nil — создаётся свой).
	Units *cancel.Registry

	// Prefetch — количество сообщений для предварительной загрузки (default: 5).
	Prefetch int

	// RetryBaseDelay — стартовая задержка retry (default: 1s).
	RetryBaseDelay time.Duration

	// RetryMaxDelay — потолок задержки retry (default: 30s).
	RetryMaxDelay time.Duration

	// Logger
	Logger *slog.Logger

	// Metrics — опционально.
	Metrics *telemetry.Metrics
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	units := cfg.Units
	if units == nil {
		units = cancel.NewRegistry()
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}

	maxDelay := cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		store:          cfg.Ledger,
		publisher:      cfg.Publisher,
		conn:           cfg.Conn,
		registry:       registry,
		units:          units,
		prefetch:       prefetch,
		retryBaseDelay: baseDelay,
		retryMaxDelay:  maxDelay,
		logger:         logger,
		metrics:        cfg.Metrics,
	}
}

// Units возвращает реестр выполняющихся задач — его слушает
// cancel.Listener того же процесса.
func (w *Worker) Units() *cancel.Registry {
	return w.units
}

// Start запускает Worker: consumer для steps.ready.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancelFn := context.WithCancel(ctx)
	w.cancelFunc = cancelFn

	w.logger.Info("starting worker", "prefetch", w.prefetch)

	w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
		Queue:          mq.QueueStepsReady,
		Handler:        w.handleStepDispatch,
		Prefetch:       w.prefetch,
		RequeueOnError: true,
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("step consumer error", "error", err)
		}
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	if w.consumer != nil {
		w.consumer.Stop()
	}

	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}
