package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ospolov/conveyor/internal/domain"
	"github.com/ospolov/conveyor/internal/ledger"
	"github.com/ospolov/conveyor/internal/results"
	"github.com/ospolov/conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultTickInterval    = time.Second
	defaultMaxSendAttempts = 5
	defaultSendBackoff     = 500 * time.Millisecond
	defaultMaxSendBackoff  = 10 * time.Second
)

// Planner — узкий интерфейс внешнего оркестратора.
//
// Оркестратор владеет графом зависимостей и решает, какие шаги
// готовы; координатор видит его только через эти операции.
type Planner interface {
	// GetReadySteps возвращает шаги, готовые к диспетчеризации.
	GetReadySteps(ctx context.Context) ([]domain.WorkItem, error)

	// HandleEvent сливает терминальное событие шага в состояние
	// оркестратора.
	HandleEvent(ctx context.Context, event domain.Event) error

	// VerifyComplete проверяет, что шаг учтён как завершённый.
	VerifyComplete(stepKey string) bool

	// CheckForInterrupts возвращает true при внешнем interrupt.
	CheckForInterrupts() bool

	// MarkInterrupted помечает run прерванным в состоянии оркестратора.
	MarkInterrupted()
}

// Transport — отправка рабочих сообщений в очередь.
// mq.StepDispatcher удовлетворяет интерфейсу.
type Transport interface {
	// Dispatch публикует шаг с заданной задержкой видимости.
	Dispatch(ctx context.Context, taskID uuid.UUID, item domain.WorkItem, delay time.Duration) error

	// SupportsPush — умеет ли транспорт push-доставку результатов.
	SupportsPush() bool
}

// Waiter — ожидание результата задачи. results.Waiter удовлетворяет
// интерфейсу.
type Waiter interface {
	Wait(ctx context.Context, taskID uuid.UUID, key string) results.Outcome
}

// Canceller — публикация запросов отмены. cancel.Canceller
// удовлетворяет интерфейсу.
type Canceller interface {
	CancelTask(ctx context.Context, taskID uuid.UUID, reason string) (bool, error)
}

// Coordinator управляет выполнением runs через очередь воркеров.
//
// Coordinator — ядро системы, которое:
//   - Получает готовые шаги от внешнего оркестратора (Planner)
//   - Переводит приоритет в задержку публикации
//   - Диспетчеризует шаги в рабочую очередь с retry по transport-ошибкам
//   - Подавляет повторный dispatch через idempotency ledger
//   - Сопровождает каждое in-flight ожидание фоновой горутиной
//   - Реагирует на interrupt запросами кооперативной отмены
//   - Отдаёт поток терминальных событий: ровно одно на каждый шаг
type Coordinator struct {
	ledger    ledger.Ledger
	transport Transport
	waiter    Waiter
	canceller Canceller

	tickInterval    time.Duration
	maxSendAttempts int
	sendBackoff     time.Duration
	maxSendBackoff  time.Duration

	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu   sync.Mutex
	runs map[uuid.UUID]*runSession
}

// Config — конфигурация Coordinator.
type Config struct {
	// Ledger — idempotency ledger (обязателен).
	Ledger ledger.Ledger

	// Transport — рабочая очередь (обязателен).
	Transport Transport

	// Waiter — ожидание результатов (обязателен).
	Waiter Waiter

	// Canceller — control-канал отмены. nil, если транспорт
	// не поддерживает отмену: Terminate тогда возвращает false.
	Canceller Canceller

	// TickInterval — пауза между тиками цикла (default: 1s).
	TickInterval time.Duration

	// MaxSendAttempts — попыток отправки на transport-ошибку (default: 5).
	MaxSendAttempts int

	// SendBackoff — стартовый backoff между попытками (default: 500ms).
	SendBackoff time.Duration

	// MaxSendBackoff — потолок backoff (default: 10s).
	MaxSendBackoff time.Duration

	// Logger
	Logger *slog.Logger

	// Metrics — опционально.
	Metrics *telemetry.Metrics
}

// New создаёт Coordinator.
func New(cfg Config) *Coordinator {
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}

	attempts := cfg.MaxSendAttempts
	if attempts <= 0 {
		attempts = defaultMaxSendAttempts
	}

	backoff := cfg.SendBackoff
	if backoff <= 0 {
		backoff = defaultSendBackoff
	}

	maxBackoff := cfg.MaxSendBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxSendBackoff
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		ledger:          cfg.Ledger,
		transport:       cfg.Transport,
		waiter:          cfg.Waiter,
		canceller:       cfg.Canceller,
		tickInterval:    tick,
		maxSendAttempts: attempts,
		sendBackoff:     backoff,
		maxSendBackoff:  maxBackoff,
		logger:          logger,
		metrics:         cfg.Metrics,
		runs:            make(map[uuid.UUID]*runSession),
	}
}

// Execute запускает цикл выполнения run и возвращает поток событий.
//
// Поток закрывается после терминального события run.finished;
// вызывающая сторона обязана вычитывать его до закрытия.
// Ровно одно терминальное событие на каждый диспетчеризованный шаг —
// в том числе после рестарта координатора: резюмированный цикл
// синтезирует успехи уже завершённых шагов из ledger.
func (c *Coordinator) Execute(ctx context.Context, run domain.Run, plan Planner) (<-chan domain.Event, error) {
	if plan == nil {
		return nil, ErrNilPlanner
	}

	session := newRunSession(run)

	c.mu.Lock()
	if _, exists := c.runs[run.ID]; exists {
		c.mu.Unlock()
		return nil, ErrRunAlreadyActive
	}
	c.runs[run.ID] = session
	c.mu.Unlock()

	events := make(chan domain.Event, 64)

	go c.runLoop(ctx, session, plan, events)

	return events, nil
}

// Terminate запрашивает best-effort отмену run.
//
// Возвращает true, если хотя бы один запрос отмены действительно
// отправлен; false — если run неизвестен, нет in-flight задач
// или транспорт не поддерживает отмену.
func (c *Coordinator) Terminate(runID uuid.UUID) bool {
	c.mu.Lock()
	session := c.runs[runID]
	c.mu.Unlock()

	if session == nil {
		return false
	}

	if c.canceller == nil {
		session.markInterrupted()
		return false
	}

	// Отмена публикуется до выставления флага: цикл начнёт собственную
	// рассылку только после markInterrupted, и дедупликация в Canceller
	// не съест эти запросы.
	issued := false
	for _, h := range session.snapshot() {
		sent, err := c.canceller.CancelTask(context.Background(), h.taskID, "run terminated")
		if err != nil {
			c.logger.Warn("failed to publish cancel",
				"run_id", runID,
				"task_id", h.taskID,
				"error", err,
			)
			continue
		}
		if sent {
			issued = true
			if c.metrics != nil {
				c.metrics.CancelRequests.Inc()
			}
		}
	}

	session.markInterrupted()
	return issued
}

// ActiveRuns возвращает количество выполняющихся runs.
func (c *Coordinator) ActiveRuns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// removeSession снимает run с учёта после завершения цикла.
func (c *Coordinator) removeSession(runID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, runID)
}
