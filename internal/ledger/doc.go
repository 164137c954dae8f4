// Package ledger реализует idempotency ledger — единственный источник
// истины для подавления повторного выполнения шагов.
//
// Структура:
//   - ledger.go   — интерфейс Ledger, Record, построение ключа
//   - postgres.go — durable реализация поверх Postgres (pgx)
//   - memory.go   — in-memory реализация для тестов
//   - janitor.go  — cron-очистка терминальных записей
//   - db.go       — пул соединений к Postgres
//
// Состояния записи: PENDING → RUNNING → COMPLETED | FAILED.
// Переходы монотонны; COMPLETED никогда не перезаписывается.
// Конкурентная вставка разрешается upsert'ом, без распределённых
// блокировок.
package ledger
