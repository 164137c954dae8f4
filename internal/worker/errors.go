package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownStepType — нет executor'а для данного типа шага.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")
)
