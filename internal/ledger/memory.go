package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ospolov/conveyor/internal/domain"
)

// MemoryLedger — in-memory реализация Ledger.
//
// Только для тестов: не переживает рестарт, поэтому не даёт
// гарантий подавления повторного выполнения между процессами.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryLedger создаёт пустой MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*Record)}
}

// Get возвращает копию записи по ключу.
func (l *MemoryLedger) Get(_ context.Context, key string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Save вставляет запись; при конфликте обновляет task_data, сохраняя state.
func (l *MemoryLedger) Save(_ context.Context, rec *Record) error {
	if rec.Key == "" {
		return ErrInvalidKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if existing, ok := l.records[rec.Key]; ok {
		existing.TaskData = rec.TaskData
		existing.UpdatedAt = now
		return nil
	}

	cp := *rec
	cp.CreatedAt = now
	cp.UpdatedAt = now
	l.records[rec.Key] = &cp
	return nil
}

// UpdateState переводит запись в новое состояние.
func (l *MemoryLedger) UpdateState(_ context.Context, key string, state domain.RecordState, resultData json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return ErrNotFound
	}
	if rec.State == domain.RecordCompleted {
		return nil
	}

	rec.State = state
	if resultData != nil {
		rec.ResultData = resultData
	}
	rec.UpdatedAt = time.Now()
	return nil
}

// IsCompleted возвращает true и запись, если шаг уже COMPLETED.
func (l *MemoryLedger) IsCompleted(ctx context.Context, key string) (bool, *Record, error) {
	rec, err := l.Get(ctx, key)
	if err != nil {
		if err == ErrNotFound {
			return false, nil, nil
		}
		return false, nil, err
	}
	return rec.State == domain.RecordCompleted, rec, nil
}

// PurgeTerminal удаляет терминальные записи старше olderThan.
func (l *MemoryLedger) PurgeTerminal(_ context.Context, olderThan time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var purged int64
	for key, rec := range l.records {
		if rec.State.IsTerminal() && rec.UpdatedAt.Before(cutoff) {
			delete(l.records, key)
			purged++
		}
	}
	return purged, nil
}

// Len возвращает количество записей. Для тестов.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
