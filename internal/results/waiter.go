package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ospolov/conveyor/internal/domain"
	"github.com/ospolov/conveyor/internal/ledger"
)

// Default wait configuration.
const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollCeiling  = 300 * time.Second
)

// Store — read-доступ к хранилищу результатов (poll-путь).
// ledger.Ledger удовлетворяет интерфейсу.
type Store interface {
	Get(ctx context.Context, key string) (*ledger.Record, error)
}

// Waiter ожидает результат диспетчеризованной задачи.
//
// Стратегия выбирается один раз при создании: push (результат приходит
// сообщением через Router), либо poll (периодический опрос хранилища
// результатов). Push не ограничен по времени — им управляет транспорт;
// poll имеет потолок, после которого ожидание завершается
// ErrResultTimeout.
//
// Оба пути реагируют на отмену run немедленно: контекст ожидания
// отменяется координатором, исход — Cancelled, не ошибка.
type Waiter struct {
	router       *Router
	store        Store
	pollInterval time.Duration
	pollCeiling  time.Duration
	logger       *slog.Logger
}

// WaiterConfig — конфигурация Waiter.
type WaiterConfig struct {
	// Router — push-путь. nil, если транспорт не поддерживает push.
	Router *Router

	// Store — хранилище результатов для poll-пути.
	Store Store

	// PollInterval — интервал опроса (default: 500ms).
	PollInterval time.Duration

	// PollCeiling — потолок poll-ожидания (default: 300s).
	PollCeiling time.Duration

	// Logger
	Logger *slog.Logger
}

// NewWaiter создаёт Waiter.
func NewWaiter(cfg WaiterConfig) *Waiter {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	pollCeiling := cfg.PollCeiling
	if pollCeiling <= 0 {
		pollCeiling = defaultPollCeiling
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Waiter{
		router:       cfg.Router,
		store:        cfg.Store,
		pollInterval: pollInterval,
		pollCeiling:  pollCeiling,
		logger:       logger,
	}
}

// SupportsPush возвращает true, если настроен push-путь.
func (w *Waiter) SupportsPush() bool {
	return w.router != nil
}

// Wait блокирует до результата задачи, отмены или таймаута poll-пути.
func (w *Waiter) Wait(ctx context.Context, taskID uuid.UUID, key string) Outcome {
	// Отмена проверяется до начала ожидания
	if ctx.Err() != nil {
		return Cancelled()
	}

	if w.SupportsPush() {
		return w.waitPush(ctx, taskID)
	}
	return w.waitPoll(ctx, taskID, key)
}

// waitPush ожидает результат через push-канал Router'а.
func (w *Waiter) waitPush(ctx context.Context, taskID uuid.UUID) Outcome {
	ch := w.router.Register(taskID)
	defer w.router.Release(taskID)

	select {
	case <-ctx.Done():
		return Cancelled()
	case res := <-ch:
		return outcomeFromResult(res)
	}
}

// waitPoll опрашивает хранилище результатов до терминальной записи,
// отмены или потолка ожидания.
func (w *Waiter) waitPoll(ctx context.Context, taskID uuid.UUID, key string) Outcome {
	deadline := time.Now().Add(w.pollCeiling)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if out, done := w.pollOnce(ctx, taskID, key); done {
			return out
		}

		if time.Now().After(deadline) {
			return Failed(fmt.Errorf("%w: task %s after %s", ErrResultTimeout, taskID, w.pollCeiling))
		}

		select {
		case <-ctx.Done():
			return Cancelled()
		case <-ticker.C:
		}
	}
}

// pollOnce выполняет один опрос. done=false — результата ещё нет.
func (w *Waiter) pollOnce(ctx context.Context, taskID uuid.UUID, key string) (Outcome, bool) {
	rec, err := w.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Outcome{}, false
		}
		// Временная ошибка хранилища — продолжаем опрос
		w.logger.Warn("result store poll failed", "task_id", taskID, "error", err)
		return Outcome{}, false
	}

	if !rec.State.IsTerminal() {
		return Outcome{}, false
	}

	stored, err := DecodeStored(rec.ResultData)
	if err != nil {
		return Failed(err), true
	}

	if rec.State == domain.RecordFailed {
		return Failed(fmt.Errorf("%w: %s", ErrStepFailed, stored.Error)), true
	}

	return Ok(&Result{
		TaskID:  taskID,
		Status:  domain.StepSucceeded,
		Outputs: stored.Outputs,
	}), true
}
