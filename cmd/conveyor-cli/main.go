// Conveyor CLI — инструмент командной строки для операционных задач:
// инспекция idempotency ledger, запрос отмены, топология очередей.
//
// Использование:
//
//	conveyor [--json] <command> [flags]
//
// Команды:
//
//	ledger    Работа с idempotency ledger (get, purge)
//	cancel    Запрос кооперативной отмены задачи
//	topology  Вывод топологии брокера
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ospolov/conveyor/internal/cli"
	"github.com/ospolov/conveyor/internal/ledger"
	"github.com/ospolov/conveyor/internal/mq"
	"github.com/ospolov/conveyor/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor CLI — step dispatch operations tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	storeFn := func(ctx context.Context) (ledger.Ledger, func(), error) {
		pool, err := ledger.NewPool(ctx)
		if err != nil {
			return nil, nil, err
		}
		return ledger.NewPostgresLedger(pool), pool.Close, nil
	}

	publisherFn := func(ctx context.Context) (*mq.Publisher, func(), error) {
		mqURL := os.Getenv("RABBITMQ_URL")
		if mqURL == "" {
			mqURL = mq.DefaultURL()
		}

		logger := telemetry.SetupLogger()
		conn, err := mq.NewConnection(mqURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return mq.NewPublisher(conn, logger), func() { conn.Close() }, nil
	}

	rootCmd.AddCommand(
		cli.NewLedgerCmd(storeFn, outputFn),
		cli.NewCancelCmd(publisherFn, outputFn),
		cli.NewTopologyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
