// Package coordinator реализует цикл выполнения runs поверх очереди
// воркеров.
//
// Координатор не владеет графом зависимостей: готовые шаги он получает
// от внешнего оркестратора через узкий интерфейс Planner и возвращает
// ему терминальные события. Всё остальное — перевод приоритета в
// задержку публикации, retry отправки, подавление повторного dispatch
// через idempotency ledger, кооперативная отмена и ожидание
// результатов — инкапсулировано здесь.
//
// Один run — одна горутина runLoop плюс по горутине-ожидателю на
// каждый in-flight шаг. Инвариант цикла: ровно одно терминальное
// событие на каждый диспетчеризованный шаг, включая синтезированные
// успехи после рестарта.
package coordinator
