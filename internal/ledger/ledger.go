package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ospolov/conveyor/internal/domain"
)

// Record — запись idempotency ledger.
//
// Единственное состояние, разделяемое между экземплярами координатора
// (в том числе после рестарта). Создаётся координатором при первом
// dispatch, мутируется воркером на старте и при завершении, читается
// координатором для подавления повторного dispatch.
type Record struct {
	// Key — idempotency key: run id + отсортированные ключи шага.
	Key string `json:"key"`

	// State — текущее состояние. Переходы только вперёд;
	// COMPLETED не перезаписывается.
	State domain.RecordState `json:"state"`

	// TaskData — сериализованный payload задачи (opaque).
	TaskData json.RawMessage `json:"task_data,omitempty"`

	// ResultData — сериализованный результат выполнения (opaque).
	ResultData json.RawMessage `json:"result_data,omitempty"`

	// CreatedAt — время создания записи.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// Ledger — хранилище записей идемпотентности.
//
// Хранилище обязано поддерживать конкурентный upsert: записи не
// защищаются распределённой блокировкой, корректность строится на
// идемпотентных монотонных обновлениях.
type Ledger interface {
	// Get возвращает запись по ключу. ErrNotFound, если записи нет.
	Get(ctx context.Context, key string) (*Record, error)

	// Save вставляет запись. При конфликте (запись уже есть) обновляет
	// task_data и updated_at, сохраняя существующее состояние —
	// повторный dispatch никогда не откатывает state назад.
	Save(ctx context.Context, rec *Record) error

	// UpdateState переводит запись в новое состояние, опционально
	// с результатом. Запись в состоянии COMPLETED не изменяется (no-op).
	UpdateState(ctx context.Context, key string, state domain.RecordState, resultData json.RawMessage) error

	// IsCompleted возвращает true и запись, если шаг уже COMPLETED.
	IsCompleted(ctx context.Context, key string) (bool, *Record, error)

	// PurgeTerminal удаляет терминальные записи старше olderThan.
	// Возвращает количество удалённых.
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Key строит idempotency key из run id и ключей шага.
// Ключи сортируются, поэтому результат детерминирован независимо
// от порядка StepKeys.
func Key(runID uuid.UUID, stepKeys []string) string {
	keys := make([]string, len(stepKeys))
	copy(keys, stepKeys)
	sort.Strings(keys)
	return runID.String() + ":" + strings.Join(keys, "+")
}
