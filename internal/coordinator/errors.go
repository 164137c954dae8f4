package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Ошибки координатора.
var (
	// ErrRunAlreadyActive — run уже выполняется этим координатором.
	ErrRunAlreadyActive = errors.New("run already being executed")

	// ErrNilPlanner — Execute вызван без оркестратора.
	ErrNilPlanner = errors.New("planner is nil")

	// ErrTransport — отправка в очередь не удалась после всех
	// повторов с backoff.
	ErrTransport = errors.New("transport send failed")
)

// StepFailure — одна упавшая ступень run.
type StepFailure struct {
	// StepKey — канонический ключ шага.
	StepKey string

	// TaskID — идентификатор удалённой задачи (нулевой, если
	// шаг упал до dispatch).
	TaskID uuid.UUID

	// Err — причина.
	Err error
}

// AggregateError — агрегат всех упавших шагов run.
// Поднимается один раз, после слива оставшихся in-flight шагов.
type AggregateError struct {
	RunID    uuid.UUID
	Failures []StepFailure
}

// Error перечисляет каждый упавший шаг.
func (e *AggregateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d step(s) failed", e.RunID, len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s: %v", f.StepKey, f.Err)
	}
	return b.String()
}

// Unwrap отдаёт ошибки отдельных шагов для errors.Is/As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
