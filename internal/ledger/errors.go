package ledger

import "errors"

// Ошибки ledger.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("ledger record not found")

	// ErrInvalidKey — пустой или некорректный idempotency key.
	ErrInvalidKey = errors.New("invalid idempotency key")
)
