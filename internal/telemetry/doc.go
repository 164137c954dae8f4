// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики
//
// Все сервисы используют единый формат логирования и экспортируют
// метрики на /metrics endpoint. Gauges глубины очередей — стабильный
// read-only интерфейс для внешнего автоскейлера воркеров.
package telemetry
