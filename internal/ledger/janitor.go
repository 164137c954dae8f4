package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default janitor configuration.
const (
	defaultSchedule  = "@hourly"
	defaultRetention = 72 * time.Hour
)

// Janitor периодически удаляет терминальные записи ledger
// старше окна retention.
//
// Записи COMPLETED/FAILED нужны только пока возможна повторная
// доставка или резюмирование run; после окна retention они лишь
// раздувают таблицу.
type Janitor struct {
	ledger    Ledger
	retention time.Duration
	schedule  string
	logger    *slog.Logger

	cron *cron.Cron
}

// JanitorConfig — конфигурация Janitor.
type JanitorConfig struct {
	// Ledger — хранилище для очистки.
	Ledger Ledger

	// Retention — окно хранения терминальных записей (default: 72h).
	Retention time.Duration

	// Schedule — cron-выражение запуска (default: @hourly).
	Schedule string

	// Logger
	Logger *slog.Logger
}

// NewJanitor создаёт Janitor.
func NewJanitor(cfg JanitorConfig) *Janitor {
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}

	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Janitor{
		ledger:    cfg.Ledger,
		retention: retention,
		schedule:  schedule,
		logger:    logger,
	}
}

// Start запускает периодическую очистку.
func (j *Janitor) Start(ctx context.Context) error {
	j.cron = cron.New()

	_, err := j.cron.AddFunc(j.schedule, func() {
		j.sweep(ctx)
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info("ledger janitor started",
		"schedule", j.schedule,
		"retention", j.retention,
	)
	return nil
}

// Stop останавливает очистку и ждёт завершения текущего прохода.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
	j.logger.Info("ledger janitor stopped")
}

// sweep выполняет один проход очистки.
func (j *Janitor) sweep(ctx context.Context) {
	purged, err := j.ledger.PurgeTerminal(ctx, j.retention)
	if err != nil {
		j.logger.Error("ledger purge failed", "error", err)
		return
	}
	if purged > 0 {
		j.logger.Info("ledger records purged", "count", purged)
	}
}
