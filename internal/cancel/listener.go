package cancel

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ospolov/conveyor/internal/mq"
)

// Listener — сторона воркера: слушает control-канал и кооперативно
// отменяет локально выполняющиеся задачи.
//
// Жизненный цикл совпадает с жизненным циклом воркера: Start при
// запуске, Stop при останове. Битые control-сообщения логируются
// и пропускаются — они никогда не фатальны.
type Listener struct {
	conn     *mq.Connection
	registry *Registry
	logger   *slog.Logger

	consumer   *mq.Consumer
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewListener создаёт Listener.
func NewListener(conn *mq.Connection, registry *Registry, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		conn:     conn,
		registry: registry,
		logger:   logger,
	}
}

// Start запускает прослушивание control-канала.
func (l *Listener) Start(ctx context.Context) error {
	ctx, cancelFn := context.WithCancel(ctx)
	l.cancelFunc = cancelFn

	l.consumer = mq.NewConsumer(l.conn, l.logger, mq.ConsumerConfig{
		Queue:    mq.QueueControlCancel,
		Handler:  l.handleCancel,
		Prefetch: 10,
		// control-сообщения не requeue: повтор битого запроса бессмыслен
		RequeueOnError: false,
	})

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("cancel listener error", "error", err)
		}
	}()

	l.logger.Info("cancel listener started")
	return nil
}

// Stop останавливает прослушивание.
func (l *Listener) Stop() {
	if l.cancelFunc != nil {
		l.cancelFunc()
	}
	if l.consumer != nil {
		l.consumer.Stop()
	}
	l.wg.Wait()
	l.logger.Info("cancel listener stopped")
}

// handleCancel обрабатывает одно control-сообщение.
func (l *Listener) handleCancel(_ context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.CancelPayload](&delivery.Message)
	if err != nil {
		// Malformed — логируем и пропускаем (ack), не фатально
		l.logger.Warn("malformed cancel message, skipping", "error", err)
		return nil
	}

	if l.registry.Cancel(payload.TaskID) {
		l.logger.Info("task cancelled",
			"task_id", payload.TaskID,
			"reason", payload.Reason,
		)
		return nil
	}

	// Задача не у нас, уже завершилась или вовсе неизвестна — no-op.
	// Доставка at-least-once, так что это штатный случай.
	l.logger.Debug("cancel for task not running here", "task_id", payload.TaskID)
	return nil
}
