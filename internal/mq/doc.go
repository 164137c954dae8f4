// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений
//   - dispatcher.go — адаптер рабочей очереди для координатора
//
// Типы сообщений:
//   - step.dispatch — шаг готов к выполнению воркером
//   - task.cancel   — запрос кооперативной отмены задачи
//   - task.result   — результат выполнения шага
//
// Exchanges:
//   - conveyor.steps   — dispatch шагов (+ очередь задержки steps.wait)
//   - conveyor.control — канал управления (отмена)
//   - conveyor.results — push-доставка результатов
//   - conveyor.dlq     — dead letter queue
//
// Доставка at-least-once: потребители обязаны быть идемпотентны.
// Приоритет моделируется задержкой публикации (см. internal/priority):
// сообщение с низким приоритетом проходит через steps.wait с per-message
// TTL и попадает в steps.ready позже.
package mq
