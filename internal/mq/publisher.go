package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeStepDispatch MessageType = "step.dispatch"
	MessageTypeTaskCancel   MessageType = "task.cancel"
	MessageTypeTaskResult   MessageType = "task.result"
)

// Message — JSON-конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// StepDispatchPayload — payload рабочего сообщения: один шаг для воркера.
type StepDispatchPayload struct {
	TaskID   uuid.UUID       `json:"task_id"`
	RunID    uuid.UUID       `json:"run_id"`
	StepKeys []string        `json:"step_keys"`
	Args     json.RawMessage `json:"args,omitempty"`
	Graph    json.RawMessage `json:"graph,omitempty"`

	// MaxAttempts — лимит попыток воркера (0 = одна попытка).
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// CancelPayload — payload control-сообщения: запрос отмены задачи.
// Well-known поле task_id; сообщение write-once.
type CancelPayload struct {
	TaskID uuid.UUID `json:"task_id"`
	Reason string    `json:"reason,omitempty"`
}

// ResultPayload — payload result-сообщения от воркера.
type ResultPayload struct {
	TaskID  uuid.UUID      `json:"task_id"`
	RunID   uuid.UUID      `json:"run_id"`
	StepKey string         `json:"step_key"`
	Status  string         `json:"status"` // SUCCEEDED, FAILED или INTERRUPTED
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует сообщение в указанный exchange с routing key.
// expiration — per-message TTL в формате AMQP (пустая строка = без TTL).
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message, expiration string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // переживёт рестарт брокера
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Expiration:   expiration,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishStepDispatch публикует рабочее сообщение с учётом задержки.
//
// delay == 0 — сразу в steps.ready; delay > 0 — в steps.wait с
// per-message TTL, откуда сообщение по истечении вернётся в steps.ready.
// Потребитель: Worker.
func (p *Publisher) PublishStepDispatch(ctx context.Context, payload StepDispatchPayload, delay time.Duration) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeStepDispatch,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	if delay <= 0 {
		return p.Publish(ctx, ExchangeSteps, RoutingKeyReady, msg, "")
	}
	return p.Publish(ctx, ExchangeSteps, RoutingKeyWait, msg, Expiration(delay))
}

// PublishCancel публикует запрос отмены в control-канал.
// Потребитель: cancel listener каждого воркера.
func (p *Publisher) PublishCancel(ctx context.Context, taskID uuid.UUID, reason string) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeTaskCancel,
		Payload:   CancelPayload{TaskID: taskID, Reason: reason},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeControl, RoutingKeyCancel, msg, "")
}

// PublishResult публикует результат выполнения шага.
// Потребитель: Coordinator (push result path).
func (p *Publisher) PublishResult(ctx context.Context, payload ResultPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeTaskResult,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeResults, RoutingKeyCompleted, msg, "")
}

// Expiration переводит задержку в AMQP expiration (миллисекунды строкой).
func Expiration(delay time.Duration) string {
	ms := delay.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms, 10)
}
