// Conveyor Coordinator — эталонное встраивание координатора.
//
// Обычно координатор живёт внутри процесса оркестратора как библиотека;
// этот бинарь выполняет один run по статическому плану из JSON-файла:
//
//	PLAN_FILE=plan.json conveyor-coordinator
//
// Формат плана — массив шагов:
//
//	[{"key": "extract", "args": {"type": "http", "url": "..."}},
//	 {"key": "load", "needs": ["extract"], "priority": 7}]
//
// Поток событий run печатается в лог; exit code 0 только при SUCCEEDED.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ospolov/conveyor/internal/cancel"
	"github.com/ospolov/conveyor/internal/coordinator"
	"github.com/ospolov/conveyor/internal/domain"
	"github.com/ospolov/conveyor/internal/ledger"
	"github.com/ospolov/conveyor/internal/mq"
	"github.com/ospolov/conveyor/internal/results"
	"github.com/ospolov/conveyor/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-coordinator")

	ctx, cancelFn := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelFn()

	planFile := os.Getenv("PLAN_FILE")
	if planFile == "" {
		logger.Error("PLAN_FILE is required")
		os.Exit(1)
	}

	plan, err := loadPlan(planFile)
	if err != nil {
		logger.Error("failed to load plan", "file", planFile, "error", err)
		os.Exit(1)
	}

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

	// Push-путь результатов: один consumer на results.completed
	router := results.NewRouter(logger)
	resultConsumer := mq.NewConsumer(conn, logger, mq.ConsumerConfig{
		Queue:   mq.QueueResultsCompleted,
		Handler: router.HandleResult,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := resultConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("result consumer error", "error", err)
		}
	}()

	waiter := results.NewWaiter(results.WaiterConfig{
		Router: router,
		Store:  store,
		Logger: logger,
	})

	// Retention janitor
	janitor := ledger.NewJanitor(ledger.JanitorConfig{
		Ledger: store,
		Logger: logger,
	})
	if err := janitor.Start(ctx); err != nil {
		logger.Error("failed to start janitor", "error", err)
		os.Exit(1)
	}
	defer janitor.Stop()

	coord := coordinator.New(coordinator.Config{
		Ledger:    store,
		Transport: mq.NewStepDispatcher(publisher),
		Waiter:    waiter,
		Canceller: cancel.NewCanceller(publisher, logger),
		Logger:    logger,
		Metrics:   metrics,
	})

	// HTTP mux: /health + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8081"
	if v := os.Getenv("COORDINATOR_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancelFn()
		}
	}()

	run := domain.Run{ID: uuid.New(), Priority: runPriority()}
	logger.Info("executing plan",
		"run_id", run.ID,
		"priority", run.Priority,
		"steps", len(plan.steps),
	)

	events, err := coord.Execute(ctx, run, plan)
	if err != nil {
		logger.Error("failed to execute run", "error", err)
		os.Exit(1)
	}

	outcome := domain.OutcomeFailed
	for event := range events {
		switch event.Type {
		case domain.EventRunFinished:
			outcome = event.Outcome
			logger.Info("run finished", "run_id", run.ID, "outcome", outcome, "error", event.Error)
		default:
			logger.Info("run event",
				"type", event.Type,
				"step_key", event.StepKey,
				"task_id", event.TaskID,
				"synthesized", event.Synthesized,
				"error", event.Error,
			)
		}
	}

	cancelFn()
	wg.Wait()
	logger.Info("conveyor-coordinator stopped")

	if outcome != domain.OutcomeSucceeded {
		os.Exit(1)
	}
}

func runPriority() int {
	if v := os.Getenv("RUN_PRIORITY"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil {
			return p
		}
	}
	return domain.DefaultPriority
}

// planStep — один шаг статического плана.
type planStep struct {
	Key         string          `json:"key"`
	Needs       []string        `json:"needs,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// filePlanner — простейший оркестратор: шаг готов, когда все его
// зависимости завершены успешно.
type filePlanner struct {
	mu          sync.Mutex
	steps       []planStep
	completed   map[string]bool
	terminal    map[string]bool
	interrupted bool
}

func loadPlan(path string) (*filePlanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var steps []planStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(steps) == 0 {
		return nil, errors.New("plan has no steps")
	}
	for _, s := range steps {
		if s.Key == "" {
			return nil, errors.New("plan step without key")
		}
	}

	return &filePlanner{
		steps:     steps,
		completed: make(map[string]bool),
		terminal:  make(map[string]bool),
	}, nil
}

func (p *filePlanner) GetReadySteps(_ context.Context) ([]domain.WorkItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ready []domain.WorkItem
	for _, s := range p.steps {
		if p.terminal[s.Key] || !p.depsCompleted(s) {
			continue
		}

		prio := domain.DefaultPriority
		if s.Priority != nil {
			prio = *s.Priority
		}

		ready = append(ready, domain.WorkItem{
			StepKeys:    []string{s.Key},
			Args:        s.Args,
			Priority:    prio,
			MaxAttempts: s.MaxAttempts,
		})
	}
	return ready, nil
}

func (p *filePlanner) depsCompleted(s planStep) bool {
	for _, need := range s.Needs {
		if !p.completed[need] {
			return false
		}
	}
	return true
}

func (p *filePlanner) HandleEvent(_ context.Context, event domain.Event) error {
	if !event.IsTerminalStep() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.terminal[event.StepKey] = true
	if event.Type == domain.EventStepSucceeded {
		p.completed[event.StepKey] = true
	}
	return nil
}

func (p *filePlanner) VerifyComplete(stepKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed[stepKey]
}

func (p *filePlanner) CheckForInterrupts() bool { return false }

func (p *filePlanner) MarkInterrupted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupted = true
}
