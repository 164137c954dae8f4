package domain

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// DefaultPriority — приоритет по умолчанию для run и step.
const DefaultPriority = 5

// Run — один запуск графа зависимостей.
//
// Сам граф и планирование готовых шагов живут во внешнем оркестраторе;
// координатору достаточно идентификатора и приоритета.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// Priority — приоритет run (default: 5).
	// Складывается с приоритетом шага при выборе порядка диспетчеризации.
	Priority int `json:"priority"`
}

// WorkItem — один шаг графа, готовый к отправке воркеру.
//
// WorkItem выдаётся оркестратором через Planner.GetReadySteps.
// После диспетчеризации элемент неизменяем; жизненный цикл
// отслеживается снаружи (ledger + события).
type WorkItem struct {
	// RunID — run, которому принадлежит шаг.
	RunID uuid.UUID `json:"run_id"`

	// StepKeys — ключи шага. Обычно один; несколько — для
	// объединённых шагов, выполняемых как единое целое.
	StepKeys []string `json:"step_keys"`

	// Args — сериализованные аргументы выполнения (opaque).
	Args json.RawMessage `json:"args,omitempty"`

	// Graph — снапшот графа зависимостей (opaque, для воркера).
	Graph json.RawMessage `json:"graph,omitempty"`

	// Priority — приоритет шага (default: 5).
	Priority int `json:"priority"`

	// MaxAttempts — лимит попыток на стороне воркера.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// Key возвращает канонический ключ шага: отсортированные StepKeys
// через "+". Используется как идентификатор handle и часть
// idempotency key.
func (w WorkItem) Key() string {
	keys := make([]string, len(w.StepKeys))
	copy(keys, w.StepKeys)
	sort.Strings(keys)
	return strings.Join(keys, "+")
}

// TieBreak возвращает ключ сортировки для очереди диспетчеризации:
// -(runPriority + stepPriority). Меньший ключ диспетчеризуется раньше.
func (w WorkItem) TieBreak(runPriority int) int {
	return -(runPriority + w.Priority)
}
