package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ospolov/conveyor/internal/domain"
	"github.com/ospolov/conveyor/internal/ledger"
	"github.com/ospolov/conveyor/internal/priority"
	"github.com/ospolov/conveyor/internal/results"
)

// runLoop — цикл выполнения одного run.
//
// Каждый тик состоит из трёх фаз:
//  1. Проверка interrupt: внешний сигнал, Terminate или отмена контекста
//     переводят цикл RUNNING → STOPPING → DRAINING с рассылкой отмены.
//  2. Слияние: разрешённые ожидания превращаются в терминальные события
//     и сливаются в оркестратор. Первая ошибка шага — fail-fast DRAINING.
//  3. Диспетчеризация (только в RUNNING): готовые шаги сортируются по
//     tie-break, фильтруются через ledger и отправляются в очередь.
//
// Цикл завершается, когда in-flight шагов нет и либо run остановлен,
// либо оркестратор не отдаёт новых готовых шагов.
func (c *Coordinator) runLoop(ctx context.Context, session *runSession, plan Planner, events chan<- domain.Event) {
	defer c.removeSession(session.run.ID)
	defer close(events)

	logger := c.logger.With("run_id", session.run.ID)
	logger.Info("run loop started", "priority", session.run.Priority)

	state := domain.LoopRunning
	var failures []StepFailure
	var g errgroup.Group

	for {
		// Фаза 1: interrupt.
		if state == domain.LoopRunning && (plan.CheckForInterrupts() || session.isInterrupted() || ctx.Err() != nil) {
			logger.Info("interrupt requested, stopping run", "state", domain.LoopStopping)
			session.markInterrupted()
			plan.MarkInterrupted()
			c.cancelInFlight(session, logger)
			state = domain.LoopDraining
		}

		// Фаза 2: слияние разрешённых ожиданий.
		for _, h := range session.snapshot() {
			if !h.resolved() {
				continue
			}
			if failure := c.merge(ctx, session, plan, h, events, logger); failure != nil {
				failures = append(failures, *failure)
				if state == domain.LoopRunning {
					logger.Warn("step failed, draining run",
						"step_key", failure.StepKey,
						"error", failure.Err,
					)
					c.cancelInFlight(session, logger)
					state = domain.LoopDraining
				}
			}
		}

		// Фаза 3: диспетчеризация новых шагов.
		readyCount := 0
		if state == domain.LoopRunning {
			ready, err := plan.GetReadySteps(ctx)
			if err != nil {
				failures = append(failures, StepFailure{
					Err: fmt.Errorf("get ready steps: %w", err),
				})
				c.cancelInFlight(session, logger)
				state = domain.LoopDraining
			}
			readyCount = len(ready)

			sort.SliceStable(ready, func(i, j int) bool {
				return ready[i].TieBreak(session.run.Priority) < ready[j].TieBreak(session.run.Priority)
			})

			for _, item := range ready {
				if session.has(item.Key()) {
					continue
				}
				if failure := c.dispatch(ctx, session, plan, item, &g, events, logger); failure != nil {
					failures = append(failures, *failure)
					logger.Warn("dispatch failed, draining run",
						"step_key", failure.StepKey,
						"error", failure.Err,
					)
					c.cancelInFlight(session, logger)
					state = domain.LoopDraining
					break
				}
			}
		}

		// Выход: нечего ждать и нечего отправлять.
		if session.empty() && (state != domain.LoopRunning || readyCount == 0) {
			break
		}

		c.sleepTick(ctx, state)
	}

	// Все ожидания разрешены и слиты; горутины-ожидатели завершаются.
	_ = g.Wait()

	state = domain.LoopTerminated

	outcome := domain.OutcomeSucceeded
	errText := ""
	switch {
	case session.isInterrupted():
		outcome = domain.OutcomeInterrupted
	case len(failures) > 0:
		outcome = domain.OutcomeFailed
		errText = (&AggregateError{RunID: session.run.ID, Failures: failures}).Error()
	}

	events <- domain.Event{
		Type:      domain.EventRunFinished,
		RunID:     session.run.ID,
		Outcome:   outcome,
		Error:     errText,
		Timestamp: time.Now().UTC(),
	}

	logger.Info("run loop finished", "state", state, "outcome", outcome, "failed_steps", len(failures))
}

// sleepTick ждёт следующий тик. В RUNNING сон прерывается отменой
// контекста; в DRAINING цикл спит полный тик, чтобы не крутиться
// вхолостую при уже отменённом контексте.
func (c *Coordinator) sleepTick(ctx context.Context, state domain.LoopState) {
	if state != domain.LoopRunning {
		time.Sleep(c.tickInterval)
		return
	}

	timer := time.NewTimer(c.tickInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// dispatch отправляет один готовый шаг.
//
// Порядок строгий: сначала запись PENDING в ledger, потом публикация.
// Если шаг уже COMPLETED в ledger (рестарт координатора, повторный
// Execute), успех синтезируется из сохранённого результата без
// обращения к очереди.
func (c *Coordinator) dispatch(ctx context.Context, session *runSession, plan Planner, item domain.WorkItem, g *errgroup.Group, events chan<- domain.Event, logger *slog.Logger) *StepFailure {
	// RunID штампуется здесь: ledger key и wire payload всегда согласованы
	item.RunID = session.run.ID

	key := item.Key()
	idemKey := ledger.Key(session.run.ID, item.StepKeys)

	done, rec, err := c.ledger.IsCompleted(ctx, idemKey)
	if err != nil {
		logger.Warn("ledger lookup failed", "step_key", key, "error", err)
	}
	if done {
		stored, derr := results.DecodeStored(rec.ResultData)
		if derr != nil {
			logger.Warn("stored result is unreadable", "step_key", key, "error", derr)
		}

		event := domain.Event{
			Type:        domain.EventStepSucceeded,
			RunID:       session.run.ID,
			StepKey:     key,
			Outputs:     stored.Outputs,
			Synthesized: true,
			Timestamp:   time.Now().UTC(),
		}
		if herr := plan.HandleEvent(ctx, event); herr != nil {
			logger.Warn("orchestrator rejected event", "step_key", key, "error", herr)
		}
		events <- event

		if c.metrics != nil {
			c.metrics.DispatchedTotal.WithLabelValues("synthesized").Inc()
			c.metrics.StepsTotal.WithLabelValues("succeeded").Inc()
		}
		logger.Info("synthesized success from ledger", "step_key", key)
		return nil
	}

	taskID := uuid.New()

	taskData, err := json.Marshal(item)
	if err != nil {
		return &StepFailure{StepKey: key, Err: fmt.Errorf("marshal work item: %w", err)}
	}

	now := time.Now().UTC()
	if err := c.ledger.Save(ctx, &ledger.Record{
		Key:       idemKey,
		State:     domain.RecordPending,
		TaskData:  taskData,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return &StepFailure{StepKey: key, Err: fmt.Errorf("save ledger record: %w", err)}
	}

	delay := priority.Effective(session.run.Priority, item.Priority)

	if err := c.sendWithRetry(ctx, taskID, item, delay, logger); err != nil {
		return &StepFailure{StepKey: key, TaskID: taskID, Err: err}
	}

	waitCtx, cancelWait := context.WithCancel(context.Background())
	h := newHandle(taskID, key, idemKey, item, cancelWait)
	session.add(h)

	g.Go(func() error {
		defer cancelWait()
		h.resolve(c.waiter.Wait(waitCtx, taskID, idemKey))
		return nil
	})

	if c.metrics != nil {
		c.metrics.DispatchedTotal.WithLabelValues("dispatched").Inc()
		c.metrics.InFlight.Inc()
	}

	events <- domain.Event{
		Type:      domain.EventStepDispatched,
		RunID:     session.run.ID,
		StepKey:   key,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}

	logger.Info("step dispatched",
		"step_key", key,
		"task_id", taskID,
		"delay", delay,
	)
	return nil
}

// sendWithRetry публикует шаг с экспоненциальным backoff.
// После исчерпания попыток возвращает ErrTransport.
func (c *Coordinator) sendWithRetry(ctx context.Context, taskID uuid.UUID, item domain.WorkItem, delay time.Duration, logger *slog.Logger) error {
	backoff := c.sendBackoff
	var lastErr error

	for attempt := 1; attempt <= c.maxSendAttempts; attempt++ {
		lastErr = c.transport.Dispatch(ctx, taskID, item, delay)
		if lastErr == nil {
			return nil
		}

		logger.Warn("queue send failed",
			"task_id", taskID,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt == c.maxSendAttempts {
			break
		}
		if c.metrics != nil {
			c.metrics.TransportRetries.Inc()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
		}

		backoff *= 2
		if backoff > c.maxSendBackoff {
			backoff = c.maxSendBackoff
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrTransport, c.maxSendAttempts, lastErr)
}

// merge сливает разрешённое ожидание в оркестратор и поток событий.
// Возвращает StepFailure, если шаг завершился ошибкой.
//
// Слияние обязано пройти даже при отменённом контексте цикла,
// поэтому оркестратору передаётся несвязанный контекст.
func (c *Coordinator) merge(ctx context.Context, session *runSession, plan Planner, h *handle, events chan<- domain.Event, logger *slog.Logger) *StepFailure {
	defer session.release(h.key)

	if c.metrics != nil {
		c.metrics.InFlight.Dec()
	}

	out := h.outcome
	event := domain.Event{
		RunID:     session.run.ID,
		StepKey:   h.key,
		TaskID:    h.taskID,
		Timestamp: time.Now().UTC(),
	}

	switch {
	case out.Cancelled:
		event.Type = domain.EventStepInterrupted
	case out.Err != nil:
		event.Type = domain.EventStepFailed
		event.Error = out.Err.Error()
	default:
		event.Type = domain.EventStepSucceeded
		if out.Result != nil {
			event.Outputs = out.Result.Outputs
		}
	}

	if c.metrics != nil {
		switch event.Type {
		case domain.EventStepInterrupted:
			c.metrics.StepsTotal.WithLabelValues("interrupted").Inc()
		case domain.EventStepFailed:
			c.metrics.StepsTotal.WithLabelValues("failed").Inc()
		default:
			c.metrics.StepsTotal.WithLabelValues("succeeded").Inc()
		}
	}

	mergeCtx := context.WithoutCancel(ctx)
	if err := plan.HandleEvent(mergeCtx, event); err != nil {
		logger.Warn("orchestrator rejected event",
			"step_key", h.key,
			"event", event.Type,
			"error", err,
		)
	}
	if event.Type == domain.EventStepSucceeded && !plan.VerifyComplete(h.key) {
		logger.Warn("step not marked complete after merge", "step_key", h.key)
	}

	events <- event

	if out.Err != nil {
		return &StepFailure{StepKey: h.key, TaskID: h.taskID, Err: out.Err}
	}
	return nil
}

// cancelInFlight рассылает отмену всем неразрешённым ожиданиям
// и прерывает их локальные контексты.
//
// Canceller дедуплицирует запросы, поэтому повторный вызов (interrupt
// после Terminate) не публикует вторую отмену той же задачи.
func (c *Coordinator) cancelInFlight(session *runSession, logger *slog.Logger) {
	for _, h := range session.snapshot() {
		if h.resolved() {
			continue
		}

		if c.canceller != nil {
			sent, err := c.canceller.CancelTask(context.Background(), h.taskID, "run interrupted")
			if err != nil {
				logger.Warn("failed to publish cancel", "task_id", h.taskID, "error", err)
			} else if sent {
				if c.metrics != nil {
					c.metrics.CancelRequests.Inc()
				}
				logger.Info("cancel requested", "step_key", h.key, "task_id", h.taskID)
			}
		}

		h.cancelWait()
	}
}
