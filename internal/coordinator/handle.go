package coordinator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ospolov/conveyor/internal/domain"
	"github.com/ospolov/conveyor/internal/results"
)

// handle — эфемерное состояние одного in-flight шага.
//
// Живёт только в памяти координатора; уничтожается, как только
// терминальное событие шага слито в состояние оркестратора.
type handle struct {
	// taskID — идентификатор удалённой задачи.
	taskID uuid.UUID

	// key — канонический ключ шага.
	key string

	// idemKey — ключ записи в ledger.
	idemKey string

	// item — диспетчеризованный шаг.
	item domain.WorkItem

	// cancelWait отменяет фоновое ожидание результата.
	cancelWait context.CancelFunc

	// done закрывается при разрешении ожидания.
	done chan struct{}

	once    sync.Once
	outcome results.Outcome
}

func newHandle(taskID uuid.UUID, key, idemKey string, item domain.WorkItem, cancelWait context.CancelFunc) *handle {
	return &handle{
		taskID:     taskID,
		key:        key,
		idemKey:    idemKey,
		item:       item,
		cancelWait: cancelWait,
		done:       make(chan struct{}),
	}
}

// resolve фиксирует исход ожидания. Повторные вызовы игнорируются.
func (h *handle) resolve(out results.Outcome) {
	h.once.Do(func() {
		h.outcome = out
		close(h.done)
	})
}

// resolved возвращает true, если исход уже зафиксирован.
func (h *handle) resolved() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// runSession — состояние выполнения одного run внутри координатора.
//
// Карта handles локальна для экземпляра координатора и никогда
// не разделяется между процессами (в отличие от ledger).
type runSession struct {
	run domain.Run

	mu          sync.Mutex
	handles     map[string]*handle
	interrupted bool
}

func newRunSession(run domain.Run) *runSession {
	return &runSession{
		run:     run,
		handles: make(map[string]*handle),
	}
}

// add регистрирует новый handle.
func (s *runSession) add(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.key] = h
}

// release удаляет handle после слияния терминального события.
func (s *runSession) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, key)
}

// has возвращает true, если шаг уже in-flight.
func (s *runSession) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[key]
	return ok
}

// snapshot возвращает срез текущих handles.
func (s *runSession) snapshot() []*handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

// empty возвращает true, если in-flight шагов нет.
func (s *runSession) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles) == 0
}

// markInterrupted помечает run как прерванный извне (Terminate).
func (s *runSession) markInterrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted = true
}

// isInterrupted возвращает true, если run прерван извне.
func (s *runSession) isInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}
