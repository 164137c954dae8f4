// Conveyor Worker — выполняет отдельные шаги.
//
// Worker:
//   - Получает шаги из RabbitMQ (steps.ready)
//   - Проверяет idempotency ledger перед выполнением
//   - Выполняет в зависимости от типа (http, delay, transform)
//   - Слушает control-канал и кооперативно отменяет задачи
//   - Пишет результат в ledger и публикует result-сообщение
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ospolov/conveyor/internal/cancel"
	"github.com/ospolov/conveyor/internal/ledger"
	"github.com/ospolov/conveyor/internal/mq"
	"github.com/ospolov/conveyor/internal/telemetry"
	"github.com/ospolov/conveyor/internal/worker"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-worker")

	// graceful shutdown
	ctx, cancelFn := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelFn()

	// Ledger (Postgres)
	pool, err := ledger.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	store := ledger.NewPostgresLedger(pool)

	// RabbitMQ
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}

	conn, err := mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, conn); err != nil {
		logger.Warn("failed to setup topology", "error", err)
	}

	publisher := mq.NewPublisher(conn, logger)
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// Worker
	w := worker.New(worker.Config{
		Ledger:    store,
		Publisher: publisher,
		Conn:      conn,
		Logger:    logger,
		Metrics:   metrics,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// Control-канал: кооперативная отмена локальных задач
	listener := cancel.NewListener(conn, w.Units(), logger)
	if err := listener.Start(ctx); err != nil {
		logger.Error("failed to start cancel listener", "error", err)
		os.Exit(1)
	}

	// Глубина очередей для внешнего автоскейлера
	go metrics.WatchQueueDepths(ctx,
		func(q string) (int, error) { return conn.QueueDepth(mq.Queue(q)) },
		[]string{string(mq.QueueStepsReady), string(mq.QueueStepsWait)},
		10*time.Second,
		logger,
	)

	// HTTP mux: /health + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8082"
	if v := os.Getenv("WORKER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancelFn()
		}
	}()

	<-ctx.Done()

	listener.Stop()
	w.Stop()
	logger.Info("conveyor-worker stopped")
}
