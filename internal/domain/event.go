package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType — тип события жизненного цикла.
type EventType string

const (
	// EventStepDispatched — шаг отправлен в очередь воркеров.
	EventStepDispatched EventType = "step.dispatched"

	// EventStepSucceeded — шаг завершён успешно.
	// Ровно одно терминальное событие на каждый диспетчеризованный шаг.
	EventStepSucceeded EventType = "step.succeeded"

	// EventStepFailed — шаг завершился ошибкой.
	EventStepFailed EventType = "step.failed"

	// EventStepInterrupted — шаг прерван отменой. Не ошибка.
	EventStepInterrupted EventType = "step.interrupted"

	// EventRunFinished — run завершён; поле Outcome заполнено.
	EventRunFinished EventType = "run.finished"
)

// Event — событие жизненного цикла, отдаваемое координатором
// в поток Execute и во внешний оркестратор через Planner.HandleEvent.
type Event struct {
	// Type — тип события.
	Type EventType `json:"type"`

	// RunID — run, к которому относится событие.
	RunID uuid.UUID `json:"run_id"`

	// StepKey — канонический ключ шага (пусто для run.finished).
	StepKey string `json:"step_key,omitempty"`

	// TaskID — идентификатор удалённой задачи.
	// Нулевой для синтезированных успехов (без dispatch).
	TaskID uuid.UUID `json:"task_id,omitempty"`

	// Outcome — итог run (только для run.finished).
	Outcome RunOutcome `json:"outcome,omitempty"`

	// Outputs — результаты выполнения шага.
	Outputs map[string]any `json:"outputs,omitempty"`

	// Error — текст ошибки (для step.failed и run.finished с FAILED).
	Error string `json:"error,omitempty"`

	// Synthesized — true, если успех синтезирован из ledger
	// без обращения к воркеру (шаг уже был COMPLETED).
	Synthesized bool `json:"synthesized,omitempty"`

	// Timestamp — время события.
	Timestamp time.Time `json:"timestamp"`
}

// IsTerminalStep возвращает true для терминального события шага.
func (e Event) IsTerminalStep() bool {
	switch e.Type {
	case EventStepSucceeded, EventStepFailed, EventStepInterrupted:
		return true
	default:
		return false
	}
}
