package worker

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ospolov/conveyor/internal/ledger"
	"github.com/ospolov/conveyor/internal/mq"
)

// Task — единица работы воркера, восстановленная из рабочего сообщения.
type Task struct {
	// ID — идентификатор задачи, выданный координатором.
	ID uuid.UUID

	// RunID — run, которому принадлежит шаг.
	RunID uuid.UUID

	// StepKeys — ключи шага.
	StepKeys []string

	// Config — декодированные аргументы выполнения.
	Config map[string]any

	// Graph — снапшот графа зависимостей (opaque).
	Graph json.RawMessage

	// MaxAttempts — лимит попыток выполнения (0 = одна попытка).
	MaxAttempts int
}

// taskFromPayload восстанавливает Task из рабочего сообщения.
// Нечитаемые Args — пустой Config, решает executor.
func taskFromPayload(payload mq.StepDispatchPayload) *Task {
	config := make(map[string]any)
	if len(payload.Args) > 0 {
		// Ошибка разбора не фатальна: executor увидит пустой config
		_ = json.Unmarshal(payload.Args, &config)
	}

	return &Task{
		ID:          payload.TaskID,
		RunID:       payload.RunID,
		StepKeys:    payload.StepKeys,
		Config:      config,
		Graph:       payload.Graph,
		MaxAttempts: payload.MaxAttempts,
	}
}

// Key возвращает канонический ключ шага.
func (t *Task) Key() string {
	keys := make([]string, len(t.StepKeys))
	copy(keys, t.StepKeys)
	sort.Strings(keys)
	return strings.Join(keys, "+")
}

// LedgerKey возвращает ключ записи в idempotency ledger.
func (t *Task) LedgerKey() string {
	return ledger.Key(t.RunID, t.StepKeys)
}

// Type возвращает тип шага из config (default: transform).
func (t *Task) Type() string {
	if v, ok := t.Config["type"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "transform"
}
