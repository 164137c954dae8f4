package cli

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ospolov/conveyor/internal/ledger"
)

// StoreFactory открывает подключение к ledger.
// Возвращённая функция закрывает ресурсы.
type StoreFactory func(ctx context.Context) (ledger.Ledger, func(), error)

// NewLedgerCmd создаёт группу команд для работы с idempotency ledger.
func NewLedgerCmd(storeFn StoreFactory, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the idempotency ledger",
	}

	cmd.AddCommand(
		newLedgerGetCmd(storeFn, outputFn),
		newLedgerPurgeCmd(storeFn, outputFn),
	)

	return cmd
}

func newLedgerGetCmd(storeFn StoreFactory, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Show a ledger record by idempotency key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			store, closeFn, err := storeFn(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			rec, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"KEY", "STATE", "CREATED", "UPDATED", "RESULT"},
				[][]string{{
					rec.Key,
					string(rec.State),
					rec.CreatedAt.Format(time.RFC3339),
					rec.UpdatedAt.Format(time.RFC3339),
					compactJSON(rec.ResultData),
				}},
				rec,
			)
			return nil
		},
	}
}

func newLedgerPurgeCmd(storeFn StoreFactory, outputFn func() *Output) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal ledger records past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			store, closeFn, err := storeFn(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			purged, err := store.PurgeTerminal(cmd.Context(), olderThan)
			if err != nil {
				return err
			}

			out.Success(formatPurged(purged))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 72*time.Hour, "Purge terminal records older than this duration")

	return cmd
}

func formatPurged(n int64) string {
	if n == 1 {
		return "Purged 1 record"
	}
	return "Purged " + strconv.FormatInt(n, 10) + " records"
}

func compactJSON(data json.RawMessage) string {
	if len(data) == 0 {
		return "-"
	}
	return string(data)
}
