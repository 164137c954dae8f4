// Package cli реализует команды инструмента conveyor:
// инспекция idempotency ledger, запрос отмены задачи, вывод
// топологии очередей.
//
// Команды получают подключения лениво через фабрики — CLI не
// открывает БД и брокер, пока команда их действительно не требует.
package cli
