package worker

import "context"

// TransformExecutor — executor для шага типа "transform".
//
// Координатор передаёт в Args уже подготовленные значения, поэтому
// transform возвращает config как outputs — pass-through для
// трансформации данных между шагами.
type TransformExecutor struct{}

// Execute возвращает config как outputs (без служебного поля type).
func (e *TransformExecutor) Execute(_ context.Context, task *Task) (*ExecutionResult, error) {
	outputs := make(map[string]any, len(task.Config))
	for key, val := range task.Config {
		if key == "type" {
			continue
		}
		outputs[key] = val
	}

	return &ExecutionResult{Outputs: outputs}, nil
}
