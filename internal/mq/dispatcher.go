package mq

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ospolov/conveyor/internal/domain"
)

// StepDispatcher — адаптер рабочей очереди для координатора.
// Реализует coordinator.Transport.
type StepDispatcher struct {
	publisher *Publisher
}

// NewStepDispatcher создаёт StepDispatcher.
func NewStepDispatcher(publisher *Publisher) *StepDispatcher {
	return &StepDispatcher{publisher: publisher}
}

// Dispatch публикует шаг как рабочее сообщение с заданной задержкой.
func (d *StepDispatcher) Dispatch(ctx context.Context, taskID uuid.UUID, item domain.WorkItem, delay time.Duration) error {
	payload := StepDispatchPayload{
		TaskID:      taskID,
		RunID:       item.RunID,
		StepKeys:    item.StepKeys,
		Args:        item.Args,
		Graph:       item.Graph,
		MaxAttempts: item.MaxAttempts,
	}
	return d.publisher.PublishStepDispatch(ctx, payload, delay)
}

// SupportsPush сообщает, что транспорт умеет push-доставку результатов
// (выделенная results-очередь). Координатор выбирает стратегию ожидания
// один раз при dispatch, а не пробует оба пути в каждом wait.
func (d *StepDispatcher) SupportsPush() bool {
	return true
}
