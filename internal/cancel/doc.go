// Package cancel реализует side-channel кооперативной отмены.
//
// Две половины поверх выделенной control-очереди (не рабочей):
//   - canceller.go — координатор публикует запрос отмены задачи
//   - listener.go  — воркер слушает канал и отменяет локальную задачу
//   - registry.go  — реестр выполняющихся единиц (task id → CancelFunc)
//
// Выделенный канал держит dispatch и control ортогональными: воркеру
// не нужно различать виды payload в рабочей очереди, а оба канала
// поллятся параллельно.
//
// Доставка at-least-once, поэтому отмена идемпотентна: неизвестная
// или уже завершённая задача — no-op. Отмена всегда кооперативна —
// единица проверяет контекст в своих точках приостановки.
package cancel
