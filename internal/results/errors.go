package results

import "errors"

// Ошибки получения результата.
var (
	// ErrResultTimeout — poll-путь превысил потолок ожидания.
	// Трактуется как ошибка выполнения шага.
	ErrResultTimeout = errors.New("result wait timed out")

	// ErrStepFailed — удалённое выполнение шага завершилось ошибкой.
	ErrStepFailed = errors.New("step execution failed")
)
