package cancel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ControlPublisher — публикация control-сообщений.
// mq.Publisher удовлетворяет интерфейсу.
type ControlPublisher interface {
	PublishCancel(ctx context.Context, taskID uuid.UUID, reason string) error
}

// Canceller — сторона координатора: публикует запросы отмены
// в выделенный control-канал.
//
// Запрос write-once: локальное множество requested подавляет повторную
// отправку для той же задачи. Сам control-канал при этом остаётся
// at-least-once — идемпотентность обеспечивает принимающая сторона.
type Canceller struct {
	publisher ControlPublisher
	logger    *slog.Logger

	mu        sync.Mutex
	requested map[uuid.UUID]bool
}

// NewCanceller создаёт Canceller.
func NewCanceller(publisher ControlPublisher, logger *slog.Logger) *Canceller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Canceller{
		publisher: publisher,
		logger:    logger,
		requested: make(map[uuid.UUID]bool),
	}
}

// CancelTask публикует запрос отмены задачи.
// Возвращает true, если запрос действительно отправлен
// (false — уже запрашивалось раньше).
func (c *Canceller) CancelTask(ctx context.Context, taskID uuid.UUID, reason string) (bool, error) {
	c.mu.Lock()
	if c.requested[taskID] {
		c.mu.Unlock()
		return false, nil
	}
	c.requested[taskID] = true
	c.mu.Unlock()

	if err := c.publisher.PublishCancel(ctx, taskID, reason); err != nil {
		// Снимаем отметку: следующий вызов попробует ещё раз
		c.mu.Lock()
		delete(c.requested, taskID)
		c.mu.Unlock()
		return false, fmt.Errorf("publish cancel for %s: %w", taskID, err)
	}

	c.logger.Debug("cancel requested", "task_id", taskID, "reason", reason)
	return true, nil
}

// Requested возвращает true, если отмена задачи уже запрашивалась.
func (c *Canceller) Requested(taskID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested[taskID]
}
