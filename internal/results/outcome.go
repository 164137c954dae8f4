package results

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ospolov/conveyor/internal/domain"
)

// Result — итог выполнения одной задачи.
type Result struct {
	// TaskID — идентификатор задачи.
	TaskID uuid.UUID `json:"task_id"`

	// StepKey — канонический ключ шага.
	StepKey string `json:"step_key,omitempty"`

	// Status — статус выполнения.
	Status domain.StepStatus `json:"status"`

	// Outputs — результаты выполнения.
	Outputs map[string]any `json:"outputs,omitempty"`

	// Error — текст ошибки при FAILED.
	Error string `json:"error,omitempty"`
}

// Outcome — исход одного ожидания: значение, ошибка или отмена.
//
// Явный три-состоянный результат вместо сигналинга через panic/unwind:
// вызывающий код ветвится по полям, а отмена никогда не смешивается
// с обычной ошибкой.
type Outcome struct {
	// Result — результат при успешном ожидании.
	Result *Result

	// Err — ошибка ожидания или выполнения шага.
	Err error

	// Cancelled — true, если ожидание прервано отменой run.
	// Не ошибка.
	Cancelled bool
}

// Ok строит успешный Outcome.
func Ok(res *Result) Outcome {
	return Outcome{Result: res}
}

// Failed строит Outcome с ошибкой.
func Failed(err error) Outcome {
	return Outcome{Err: err}
}

// Cancelled строит Outcome отмены.
func Cancelled() Outcome {
	return Outcome{Cancelled: true}
}

// StoredResult — форма результата, сохраняемая в ledger (result_data).
type StoredResult struct {
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// EncodeStored сериализует результат для записи в ledger.
func EncodeStored(outputs map[string]any, errMsg string) (json.RawMessage, error) {
	data, err := json.Marshal(StoredResult{Outputs: outputs, Error: errMsg})
	if err != nil {
		return nil, fmt.Errorf("marshal stored result: %w", err)
	}
	return data, nil
}

// DecodeStored разбирает result_data из ledger.
// nil data — пустой результат, не ошибка.
func DecodeStored(data json.RawMessage) (StoredResult, error) {
	var stored StoredResult
	if len(data) == 0 {
		return stored, nil
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return stored, fmt.Errorf("unmarshal stored result: %w", err)
	}
	return stored, nil
}

// outcomeFromResult переводит result-сообщение в Outcome.
func outcomeFromResult(res Result) Outcome {
	switch res.Status {
	case domain.StepSucceeded:
		return Ok(&res)
	case domain.StepInterrupted:
		return Cancelled()
	default:
		return Failed(fmt.Errorf("%w: %s", ErrStepFailed, res.Error))
	}
}
