package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeSteps   Exchange = "conveyor.steps"
	ExchangeControl Exchange = "conveyor.control"
	ExchangeResults Exchange = "conveyor.results"
	ExchangeDLQ     Exchange = "conveyor.dlq"
)

// Queues — имена очередей.
const (
	// QueueStepsReady — рабочая очередь: шаги, готовые к выполнению.
	QueueStepsReady Queue = "steps.ready"

	// QueueStepsWait — очередь задержки. Сообщения с низким приоритетом
	// лежат здесь с per-message TTL и по истечении dead-letter'ятся
	// в steps.ready. У очереди нет consumer'ов.
	QueueStepsWait Queue = "steps.wait"

	// QueueControlCancel — отдельный канал управления: запросы отмены.
	// Не смешивается с рабочей очередью, чтобы воркерам не приходилось
	// различать виды payload и чтобы dispatch и control можно было
	// поллить параллельно.
	QueueControlCancel Queue = "control.cancel"

	// QueueResultsCompleted — push-путь доставки результатов координатору.
	QueueResultsCompleted Queue = "results.completed"

	// QueueDLQSteps — dead letter queue для неразобранных шагов.
	QueueDLQSteps Queue = "dlq.steps"
)

// Routing keys.
const (
	RoutingKeyReady     RoutingKey = "ready"
	RoutingKeyWait      RoutingKey = "wait"
	RoutingKeyCancel    RoutingKey = "cancel"
	RoutingKeyCompleted RoutingKey = "completed"
	RoutingKeyDLQSteps  RoutingKey = "steps"
)

// SetupTopology объявляет exchanges, queues и bindings.
// Идемпотентна: повторное объявление с теми же аргументами — no-op.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeSteps, "direct"},
		{ExchangeControl, "direct"},
		{ExchangeResults, "direct"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	// steps.ready: неразобранные сообщения уходят в DLQ
	readyArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQSteps),
	}

	// steps.wait: истёкший TTL возвращает сообщение в steps.ready.
	// TTL задаётся per-message (Expiration), очередь consumer'ов не имеет.
	// Ограничение паттерна: истечение идёт с головы очереди, сообщение
	// с большим TTL впереди задерживает более короткие за собой —
	// приемлемо, задержка и так best-effort эвристика.
	waitArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeSteps),
		"x-dead-letter-routing-key": string(RoutingKeyReady),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueStepsReady, readyArgs},
		{QueueStepsWait, waitArgs},

		// control.cancel — без DLQ: битые control-сообщения просто дропаются
		{QueueControlCancel, nil},

		// results.completed — события завершения, без DLQ
		{QueueResultsCompleted, nil},

		{QueueDLQSteps, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueStepsReady, RoutingKeyReady, ExchangeSteps},
		{QueueStepsWait, RoutingKeyWait, ExchangeSteps},
		{QueueControlCancel, RoutingKeyCancel, ExchangeControl},
		{QueueResultsCompleted, RoutingKeyCompleted, ExchangeResults},
		{QueueDLQSteps, RoutingKeyDLQSteps, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Conveyor RabbitMQ Topology:

    conveyor.steps (direct)
    ├── steps.ready [routing: ready]
    │       Consumer: Worker
    │       DLQ: dlq.steps
    └── steps.wait [routing: wait]
            No consumer; per-message TTL → dead-letter → steps.ready

    conveyor.control (direct)
    └── control.cancel [routing: cancel]
            Consumer: Worker cancel listener

    conveyor.results (direct)
    └── results.completed [routing: completed]
            Consumer: Coordinator (push result path)

    conveyor.dlq (direct)
    └── dlq.steps [routing: steps]
            Manual processing
  `
}
