package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ospolov/conveyor/internal/domain"
)

// PostgresLedger — реализация Ledger поверх Postgres.
//
// Схема:
//
//	CREATE TABLE ledger_records (
//	    idempotency_key TEXT PRIMARY KEY,
//	    state           TEXT NOT NULL,
//	    task_data       JSONB,
//	    result_data     JSONB,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
// Гонка конкурентной вставки разрешается через ON CONFLICT —
// конфликт никогда не поднимается наружу.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger создаёт PostgresLedger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Get возвращает запись по ключу.
func (l *PostgresLedger) Get(ctx context.Context, key string) (*Record, error) {
	query := `
		SELECT idempotency_key, state, task_data, result_data, created_at, updated_at
		FROM ledger_records
		WHERE idempotency_key = $1
	`
	return scanRecord(l.pool.QueryRow(ctx, query, key))
}

// Save вставляет запись; при конфликте обновляет task_data, сохраняя state.
func (l *PostgresLedger) Save(ctx context.Context, rec *Record) error {
	if rec.Key == "" {
		return ErrInvalidKey
	}

	query := `
		INSERT INTO ledger_records (idempotency_key, state, task_data, result_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (idempotency_key) DO UPDATE
		SET task_data = EXCLUDED.task_data,
		    updated_at = now()
	`
	_, err := l.pool.Exec(ctx, query, rec.Key, rec.State, rec.TaskData, rec.ResultData)
	if err != nil {
		return fmt.Errorf("upsert ledger record: %w", err)
	}
	return nil
}

// UpdateState переводит запись в новое состояние.
// Запись в COMPLETED не трогается; отсутствие записи — ErrNotFound.
func (l *PostgresLedger) UpdateState(ctx context.Context, key string, state domain.RecordState, resultData json.RawMessage) error {
	query := `
		UPDATE ledger_records
		SET state = $2,
		    result_data = COALESCE($3, result_data),
		    updated_at = now()
		WHERE idempotency_key = $1
		  AND state <> 'COMPLETED'
	`
	result, err := l.pool.Exec(ctx, query, key, state, resultData)
	if err != nil {
		return fmt.Errorf("update ledger state: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Либо записи нет, либо она COMPLETED (no-op).
		rec, getErr := l.Get(ctx, key)
		if getErr != nil {
			return ErrNotFound
		}
		if rec.State == domain.RecordCompleted {
			return nil
		}
		return ErrNotFound
	}
	return nil
}

// IsCompleted возвращает true и запись, если шаг уже COMPLETED.
func (l *PostgresLedger) IsCompleted(ctx context.Context, key string) (bool, *Record, error) {
	rec, err := l.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return rec.State == domain.RecordCompleted, rec, nil
}

// PurgeTerminal удаляет терминальные записи старше olderThan.
func (l *PostgresLedger) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM ledger_records
		WHERE state IN ('COMPLETED', 'FAILED')
		  AND updated_at < now() - $1::interval
	`
	result, err := l.pool.Exec(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("purge ledger records: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var taskData, resultData []byte

	err := row.Scan(
		&rec.Key,
		&rec.State,
		&taskData,
		&resultData,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger record: %w", err)
	}

	rec.TaskData = taskData
	rec.ResultData = resultData
	return &rec, nil
}
