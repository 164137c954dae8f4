// Package results реализует ожидание результатов диспетчеризованных задач.
//
// Два пути:
//   - push — результат приходит сообщением в results-очередь;
//     Router раздаёт его по ожидающим задачам (router.go)
//   - poll — периодический опрос хранилища результатов (ledger)
//     с фиксированным интервалом и потолком (waiter.go)
//
// Стратегия выбирается один раз: транспорт объявляет поддержку push
// (SupportsPush), а не пробуется внутри каждого ожидания.
// Исход ожидания — явный три-состоянный Outcome (outcome.go).
package results
