package worker

import (
	"context"
	"time"
)

// DelayExecutor — executor для шага типа "delay".
//
// Ожидает указанное количество секунд. Поддерживает кооперативную
// отмену через context — на этом шаге проверяется весь путь
// control-канала.
//
// Config:
//   - duration_sec (number): длительность задержки в секундах (default: 1)
type DelayExecutor struct{}

// Execute выполняет задержку.
func (e *DelayExecutor) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	durationSec := 1.0
	if val, ok := task.Config["duration_sec"]; ok {
		switch v := val.(type) {
		case float64:
			durationSec = v
		case int:
			durationSec = float64(v)
		}
	}

	if durationSec <= 0 {
		durationSec = 1
	}

	select {
	case <-time.After(time.Duration(durationSec * float64(time.Second))):
		return &ExecutionResult{
			Outputs: map[string]any{"delayed_sec": durationSec},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
