package cancel

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Registry — реестр локально выполняющихся единиц.
//
// Воркер регистрирует cancel-функцию контекста задачи на время
// выполнения; listener по control-сообщению отменяет её кооперативно.
// Отмена неизвестной или уже завершённой задачи — no-op: control-канал
// at-least-once, дубликаты и опоздавшие запросы штатны.
type Registry struct {
	mu    sync.Mutex
	units map[uuid.UUID]context.CancelFunc
}

// NewRegistry создаёт пустой Registry.
func NewRegistry() *Registry {
	return &Registry{units: make(map[uuid.UUID]context.CancelFunc)}
}

// Register регистрирует выполняющуюся задачу.
func (r *Registry) Register(taskID uuid.UUID, cancelFn context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[taskID] = cancelFn
}

// Deregister снимает задачу с учёта (при завершении выполнения).
func (r *Registry) Deregister(taskID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.units, taskID)
}

// Cancel отменяет задачу, если она выполняется локально.
// Возвращает false для неизвестной задачи; никогда не паникует.
func (r *Registry) Cancel(taskID uuid.UUID) bool {
	r.mu.Lock()
	cancelFn, ok := r.units[taskID]
	r.mu.Unlock()

	if !ok {
		return false
	}

	// Кооперативно: единица сама заметит отмену контекста
	// в своей точке приостановки. Никакого preemption.
	cancelFn()
	return true
}

// Running возвращает количество выполняющихся задач.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.units)
}
