package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ospolov/conveyor/internal/domain"
	"github.com/ospolov/conveyor/internal/ledger"
	"github.com/ospolov/conveyor/internal/mq"
	"github.com/ospolov/conveyor/internal/results"
)

// handleStepDispatch обрабатывает рабочее сообщение из steps.ready.
func (w *Worker) handleStepDispatch(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.StepDispatchPayload](&delivery.Message)
	if err != nil {
		// Нечитаемый payload при requeue крутился бы вечно — ack и drop
		w.logger.Error("failed to parse step.dispatch payload", "error", err)
		return nil
	}

	task := taskFromPayload(payload)

	w.logger.Debug("received step.dispatch",
		"task_id", task.ID,
		"run_id", task.RunID,
		"step_key", task.Key(),
	)

	return w.processTask(ctx, task)
}

// processTask выполняет одну задачу от проверки ledger до публикации
// результата.
//
// Возвращённая ошибка ведёт к nack с requeue: сообщение попробует
// другой воркер.
func (w *Worker) processTask(ctx context.Context, task *Task) error {
	key := task.LedgerKey()

	// Шаг уже COMPLETED: переиздаём записанный результат, не выполняя
	done, rec, err := w.store.IsCompleted(ctx, key)
	if err != nil {
		return fmt.Errorf("check ledger: %w", err)
	}
	if done {
		stored, derr := results.DecodeStored(rec.ResultData)
		if derr != nil {
			w.logger.Warn("stored result is unreadable", "key", key, "error", derr)
		}

		w.logger.Info("step already completed, republishing recorded result",
			"task_id", task.ID,
			"step_key", task.Key(),
		)
		return w.publishResult(ctx, task, domain.StepSucceeded, stored.Outputs, stored.Error)
	}

	if err := w.markRunning(ctx, task, key); err != nil {
		return err
	}

	w.logger.Info("step started",
		"task_id", task.ID,
		"run_id", task.RunID,
		"step_key", task.Key(),
		"type", task.Type(),
	)

	// Отменяемый контекст задачи; control-сообщение отменяет его
	// через реестр выполняющихся задач
	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()

	w.units.Register(task.ID, cancelTask)
	defer w.units.Deregister(task.ID)

	started := time.Now()
	result, execErr := w.executeWithRetry(taskCtx, task)
	if w.metrics != nil {
		w.metrics.StepDuration.Observe(time.Since(started).Seconds())
	}

	if execErr != nil && errors.Is(execErr, context.Canceled) {
		if ctx.Err() != nil {
			// Останов воркера, не отмена задачи: requeue
			return execErr
		}

		// Кооперативная отмена: не ошибка. Ledger остаётся RUNNING —
		// терминальное состояние прерванного шага не фиксируется.
		w.logger.Info("step interrupted",
			"task_id", task.ID,
			"step_key", task.Key(),
		)
		return w.publishResult(ctx, task, domain.StepInterrupted, nil, "")
	}

	if execErr == nil && (result == nil || result.Error == "") {
		var outputs map[string]any
		if result != nil {
			outputs = result.Outputs
		}

		if err := w.writeTerminal(ctx, key, domain.RecordCompleted, outputs, ""); err != nil {
			return err
		}

		w.logger.Info("step succeeded",
			"task_id", task.ID,
			"run_id", task.RunID,
			"step_key", task.Key(),
		)
		return w.publishResult(ctx, task, domain.StepSucceeded, outputs, "")
	}

	errMsg := ""
	var outputs map[string]any
	if execErr != nil {
		errMsg = execErr.Error()
	} else {
		errMsg = result.Error
		outputs = result.Outputs
	}

	if err := w.writeTerminal(ctx, key, domain.RecordFailed, outputs, errMsg); err != nil {
		return err
	}

	w.logger.Warn("step failed",
		"task_id", task.ID,
		"run_id", task.RunID,
		"step_key", task.Key(),
		"error", errMsg,
	)
	return w.publishResult(ctx, task, domain.StepFailed, outputs, errMsg)
}

// markRunning переводит запись ledger в RUNNING. Отсутствующую запись
// (например, вычищенную janitor'ом) воркер создаёт сам.
func (w *Worker) markRunning(ctx context.Context, task *Task, key string) error {
	err := w.store.UpdateState(ctx, key, domain.RecordRunning, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("mark running: %w", err)
	}

	now := time.Now().UTC()
	if err := w.store.Save(ctx, &ledger.Record{
		Key:       key,
		State:     domain.RecordRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("create ledger record: %w", err)
	}
	return nil
}

// writeTerminal фиксирует терминальное состояние шага с результатом.
func (w *Worker) writeTerminal(ctx context.Context, key string, state domain.RecordState, outputs map[string]any, errMsg string) error {
	resultData, err := results.EncodeStored(outputs, errMsg)
	if err != nil {
		return err
	}
	if err := w.store.UpdateState(ctx, key, state, resultData); err != nil {
		return fmt.Errorf("write terminal state: %w", err)
	}
	return nil
}

// publishResult публикует result-сообщение.
//
// Ошибка публикации не фатальна: терминальное состояние уже в ledger,
// координатор добирает его через polling.
func (w *Worker) publishResult(ctx context.Context, task *Task, status domain.StepStatus, outputs map[string]any, errMsg string) error {
	if w.publisher == nil {
		w.logger.Warn("publisher not available, skipping result publish",
			"task_id", task.ID,
		)
		return nil
	}

	payload := mq.ResultPayload{
		TaskID:  task.ID,
		RunID:   task.RunID,
		StepKey: task.Key(),
		Status:  string(status),
		Outputs: outputs,
		Error:   errMsg,
	}

	if err := w.publisher.PublishResult(ctx, payload); err != nil {
		w.logger.Warn("failed to publish result",
			"task_id", task.ID,
			"error", err,
		)
	}

	return nil
}

// executeWithRetry выполняет задачу с retry и exponential backoff.
func (w *Worker) executeWithRetry(ctx context.Context, task *Task) (*ExecutionResult, error) {
	executor, err := w.registry.Get(task.Type())
	if err != nil {
		return nil, err
	}

	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastResult *ExecutionResult
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastResult, lastErr = executor.Execute(ctx, task)

		// Успех — ни инфраструктурной, ни логической ошибки
		if lastErr == nil && (lastResult == nil || lastResult.Error == "") {
			return lastResult, nil
		}

		// Отмену не ретраим
		if lastErr != nil && errors.Is(lastErr, context.Canceled) {
			return lastResult, lastErr
		}

		if attempt == maxAttempts {
			break
		}

		delay := w.backoff(attempt)
		w.logger.Debug("retrying step",
			"task_id", task.ID,
			"attempt", attempt,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return lastResult, lastErr
}

// backoff вычисляет задержку перед retry: base * 2^(attempt-1), с потолком.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > w.retryMaxDelay {
			return w.retryMaxDelay
		}
	}
	if delay > w.retryMaxDelay {
		return w.retryMaxDelay
	}
	return delay
}
