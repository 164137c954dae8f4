// Package worker реализует stateless-воркер: потребляет шаги из
// рабочей очереди, выполняет их через Executor registry и публикует
// результаты.
//
// Идемпотентность выполнения строится на ledger: COMPLETED шаг не
// выполняется повторно, воркер переиздаёт записанный результат.
// Кооперативная отмена приходит по control-каналу и отменяет контекст
// задачи через cancel.Registry; прерванный шаг публикует статус
// INTERRUPTED, терминальное состояние в ledger не фиксируется.
package worker
