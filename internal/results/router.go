package results

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ospolov/conveyor/internal/domain"
	"github.com/ospolov/conveyor/internal/mq"
)

// Router раздаёт result-сообщения из push-очереди по ожидающим задачам.
//
// Координатор держит один consumer на results.completed и передаёт его
// deliveries сюда; каждое ожидание регистрирует свой task id и получает
// результат через собственный канал.
//
// Push-путь предполагает одного потребителя results-очереди на
// deployment; при нескольких экземплярах координатора результат может
// достаться чужому — устойчивость к этому даёт ledger (poll-путь и
// синтез при резюмировании).
type Router struct {
	mu      sync.Mutex
	waiters map[uuid.UUID]chan Result
	logger  *slog.Logger
}

// NewRouter создаёт Router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		waiters: make(map[uuid.UUID]chan Result),
		logger:  logger,
	}
}

// Register регистрирует ожидание результата задачи.
// Возвращённый канал получит не более одного результата.
func (r *Router) Register(taskID uuid.UUID) <-chan Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.waiters[taskID]
	if !ok {
		ch = make(chan Result, 1)
		r.waiters[taskID] = ch
	}
	return ch
}

// Release снимает регистрацию ожидания.
func (r *Router) Release(taskID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, taskID)
}

// Deliver доставляет результат зарегистрированному ожиданию.
// Возвращает false, если задачу никто не ждёт.
func (r *Router) Deliver(res Result) bool {
	r.mu.Lock()
	ch, ok := r.waiters[res.TaskID]
	r.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case ch <- res:
	default:
		// Дубликат redelivery — результат уже доставлен
	}
	return true
}

// HandleResult — mq.Handler для очереди results.completed.
func (r *Router) HandleResult(_ context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ResultPayload](&delivery.Message)
	if err != nil {
		// Битое result-сообщение бесполезно; логируем и пропускаем
		r.logger.Error("failed to parse task.result payload", "error", err)
		return nil
	}

	res := Result{
		TaskID:  payload.TaskID,
		StepKey: payload.StepKey,
		Status:  domain.StepStatus(payload.Status),
		Outputs: payload.Outputs,
		Error:   payload.Error,
	}

	if !r.Deliver(res) {
		// Никто не ждёт: либо дубликат, либо результат для другого
		// экземпляра координатора — его подберёт poll-путь из ledger
		r.logger.Debug("result for unknown task",
			"task_id", payload.TaskID,
			"step_key", payload.StepKey,
		)
	}

	return nil
}
