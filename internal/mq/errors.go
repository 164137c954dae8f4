package mq

import "errors"

// Ошибки транспорта.
var (
	// ErrNoChannel — AMQP канал недоступен (соединение потеряно).
	ErrNoChannel = errors.New("no channel available")
)
