package domain

// LoopState — состояние цикла выполнения одного run.
//
// Жизненный цикл:
//
//	RUNNING → STOPPING → DRAINING → TERMINATED
//	        ↘ DRAINING (fail-fast при первой ошибке шага)
type LoopState string

const (
	// LoopRunning — штатная работа: обработка завершений и новые dispatch.
	LoopRunning LoopState = "RUNNING"

	// LoopStopping — получен interrupt, разослана отмена всем in-flight.
	LoopStopping LoopState = "STOPPING"

	// LoopDraining — ожидание завершения in-flight; новые dispatch запрещены.
	LoopDraining LoopState = "DRAINING"

	// LoopTerminated — цикл завершён.
	LoopTerminated LoopState = "TERMINATED"
)

// RunOutcome — итог выполнения run.
type RunOutcome string

const (
	// OutcomeSucceeded — все шаги завершены успешно.
	OutcomeSucceeded RunOutcome = "SUCCEEDED"

	// OutcomeFailed — один или несколько шагов упали.
	OutcomeFailed RunOutcome = "FAILED"

	// OutcomeInterrupted — run прерван внешним сигналом. Не ошибка.
	OutcomeInterrupted RunOutcome = "INTERRUPTED"
)

// RecordState — состояние записи в idempotency ledger.
//
// Переходы только вперёд:
//
//	PENDING → RUNNING → COMPLETED
//	                  ↘ FAILED
//
// COMPLETED никогда не перезаписывается.
type RecordState string

const (
	// RecordPending — шаг отправлен в очередь, воркер ещё не взял.
	RecordPending RecordState = "PENDING"

	// RecordRunning — воркер начал выполнение.
	RecordRunning RecordState = "RUNNING"

	// RecordCompleted — шаг выполнен, результат записан.
	RecordCompleted RecordState = "COMPLETED"

	// RecordFailed — шаг завершился ошибкой.
	RecordFailed RecordState = "FAILED"
)

// Rank возвращает порядковый номер состояния для проверки монотонности.
func (s RecordState) Rank() int {
	switch s {
	case RecordPending:
		return 0
	case RecordRunning:
		return 1
	case RecordCompleted, RecordFailed:
		return 2
	default:
		return -1
	}
}

// IsTerminal возвращает true, если состояние финальное.
func (s RecordState) IsTerminal() bool {
	return s == RecordCompleted || s == RecordFailed
}

// StepStatus — статус шага в result-сообщении от воркера.
type StepStatus string

const (
	// StepSucceeded — шаг выполнен успешно.
	StepSucceeded StepStatus = "SUCCEEDED"

	// StepFailed — шаг завершился ошибкой.
	StepFailed StepStatus = "FAILED"

	// StepInterrupted — выполнение прервано кооперативной отменой.
	StepInterrupted StepStatus = "INTERRUPTED"
)
