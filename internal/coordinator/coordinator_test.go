package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ospolov/conveyor/internal/domain"
	"github.com/ospolov/conveyor/internal/ledger"
	"github.com/ospolov/conveyor/internal/results"
)

// fakePlanner — оркестратор на карте: отдаёт шаги, пока они не
// получили терминальное событие.
type fakePlanner struct {
	mu          sync.Mutex
	items       []domain.WorkItem
	terminal    map[string]domain.EventType
	events      []domain.Event
	interrupt   bool
	interrupted bool
}

func newFakePlanner(items ...domain.WorkItem) *fakePlanner {
	return &fakePlanner{
		items:    items,
		terminal: make(map[string]domain.EventType),
	}
}

func (p *fakePlanner) GetReadySteps(_ context.Context) ([]domain.WorkItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ready []domain.WorkItem
	for _, item := range p.items {
		if _, done := p.terminal[item.Key()]; !done {
			ready = append(ready, item)
		}
	}
	return ready, nil
}

func (p *fakePlanner) HandleEvent(_ context.Context, event domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)
	if event.IsTerminalStep() {
		p.terminal[event.StepKey] = event.Type
	}
	return nil
}

func (p *fakePlanner) VerifyComplete(stepKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminal[stepKey] == domain.EventStepSucceeded
}

func (p *fakePlanner) CheckForInterrupts() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupt
}

func (p *fakePlanner) MarkInterrupted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupted = true
}

func (p *fakePlanner) wasInterrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}

type sentStep struct {
	taskID uuid.UUID
	key    string
	delay  time.Duration
}

// fakeTransport падает на первых failFirst отправках, остальные
// записывает.
type fakeTransport struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	sent      []sentStep
}

func (t *fakeTransport) Dispatch(_ context.Context, taskID uuid.UUID, item domain.WorkItem, delay time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls++
	if t.calls <= t.failFirst {
		return errors.New("broker unavailable")
	}
	t.sent = append(t.sent, sentStep{taskID: taskID, key: item.Key(), delay: delay})
	return nil
}

func (t *fakeTransport) SupportsPush() bool { return true }

func (t *fakeTransport) sentSteps() []sentStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentStep, len(t.sent))
	copy(out, t.sent)
	return out
}

// fakeWaiter отдаёт заскриптованный исход по ledger key;
// без скрипта блокируется до отмены контекста.
type fakeWaiter struct {
	mu       sync.Mutex
	outcomes map[string]results.Outcome
}

func newFakeWaiter() *fakeWaiter {
	return &fakeWaiter{outcomes: make(map[string]results.Outcome)}
}

func (w *fakeWaiter) script(key string, out results.Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[key] = out
}

func (w *fakeWaiter) Wait(ctx context.Context, _ uuid.UUID, key string) results.Outcome {
	w.mu.Lock()
	out, ok := w.outcomes[key]
	w.mu.Unlock()

	if ok {
		return out
	}
	<-ctx.Done()
	return results.Cancelled()
}

// countingCanceller дедуплицирует как настоящий cancel.Canceller
// и считает вызовы по задаче.
type countingCanceller struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
}

func newCountingCanceller() *countingCanceller {
	return &countingCanceller{calls: make(map[uuid.UUID]int)}
}

func (c *countingCanceller) CancelTask(_ context.Context, taskID uuid.UUID, _ string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[taskID]++
	return c.calls[taskID] == 1, nil
}

func (c *countingCanceller) cancelled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func testCoordinator(store ledger.Ledger, transport Transport, waiter Waiter, canceller Canceller) *Coordinator {
	return New(Config{
		Ledger:         store,
		Transport:      transport,
		Waiter:         waiter,
		Canceller:      canceller,
		TickInterval:   5 * time.Millisecond,
		SendBackoff:    time.Millisecond,
		MaxSendBackoff: 2 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func step(runID uuid.UUID, key string, prio int) domain.WorkItem {
	return domain.WorkItem{RunID: runID, StepKeys: []string{key}, Priority: prio}
}

func okOutcome(outputs map[string]any) results.Outcome {
	return results.Ok(&results.Result{Status: domain.StepSucceeded, Outputs: outputs})
}

// collect вычитывает поток событий до закрытия.
func collect(t *testing.T, events <-chan domain.Event) []domain.Event {
	t.Helper()

	var out []domain.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			t.Fatal("timed out waiting for event stream to close")
		}
	}
}

func byType(events []domain.Event, typ domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestExecuteRunsAllStepsToCompletion(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Priority: domain.DefaultPriority}
	plan := newFakePlanner(step(run.ID, "a", 5), step(run.ID, "b", 5))

	waiter := newFakeWaiter()
	waiter.script(ledger.Key(run.ID, []string{"a"}), okOutcome(map[string]any{"rows": 10.0}))
	waiter.script(ledger.Key(run.ID, []string{"b"}), okOutcome(nil))

	transport := &fakeTransport{}
	coord := testCoordinator(ledger.NewMemoryLedger(), transport, waiter, nil)

	events, err := coord.Execute(context.Background(), run, plan)
	require.NoError(t, err)

	all := collect(t, events)

	assert.Len(t, byType(all, domain.EventStepDispatched), 2)
	succeeded := byType(all, domain.EventStepSucceeded)
	require.Len(t, succeeded, 2)

	finished := byType(all, domain.EventRunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, domain.OutcomeSucceeded, finished[0].Outcome)
	assert.Equal(t, finished[0], all[len(all)-1])

	assert.False(t, plan.wasInterrupted())
	assert.Len(t, transport.sentSteps(), 2)
	assert.Equal(t, 0, coord.ActiveRuns())
}

func TestDispatchRetriesAfterTransportError(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Priority: domain.DefaultPriority}
	plan := newFakePlanner(step(run.ID, "a", 5))

	waiter := newFakeWaiter()
	waiter.script(ledger.Key(run.ID, []string{"a"}), okOutcome(nil))

	// Две transient-ошибки, третья попытка проходит
	transport := &fakeTransport{failFirst: 2}
	coord := testCoordinator(ledger.NewMemoryLedger(), transport, waiter, nil)

	events, err := coord.Execute(context.Background(), run, plan)
	require.NoError(t, err)

	all := collect(t, events)

	assert.Equal(t, 3, transport.calls)
	assert.Len(t, transport.sentSteps(), 1)
	assert.Len(t, byType(all, domain.EventStepDispatched), 1)

	finished := byType(all, domain.EventRunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, domain.OutcomeSucceeded, finished[0].Outcome)
}

func TestDispatchFailsAfterRetriesExhausted(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Priority: domain.DefaultPriority}
	plan := newFakePlanner(step(run.ID, "a", 5))

	transport := &fakeTransport{failFirst: 100}
	coord := New(Config{
		Ledger:          ledger.NewMemoryLedger(),
		Transport:       transport,
		Waiter:          newFakeWaiter(),
		TickInterval:    5 * time.Millisecond,
		MaxSendAttempts: 3,
		SendBackoff:     time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	events, err := coord.Execute(context.Background(), run, plan)
	require.NoError(t, err)

	all := collect(t, events)

	assert.Equal(t, 3, transport.calls)
	assert.Empty(t, byType(all, domain.EventStepDispatched))

	finished := byType(all, domain.EventRunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, domain.OutcomeFailed, finished[0].Outcome)
	assert.Contains(t, finished[0].Error, "transport send failed")
	assert.Contains(t, finished[0].Error, "after 3 attempts")
}

func TestDispatchOrderAndDelayFollowPriority(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Priority: domain.DefaultPriority}
	low := step(run.ID, "low", -3)
	norm := step(run.ID, "norm", 3)
	high := step(run.ID, "high", 7)
	plan := newFakePlanner(low, norm, high)

	waiter := newFakeWaiter()
	for _, key := range []string{"low", "norm", "high"} {
		waiter.script(ledger.Key(run.ID, []string{key}), okOutcome(nil))
	}

	transport := &fakeTransport{}
	coord := testCoordinator(ledger.NewMemoryLedger(), transport, waiter, nil)

	events, err := coord.Execute(context.Background(), run, plan)
	require.NoError(t, err)
	collect(t, events)

	sent := transport.sentSteps()
	require.Len(t, sent, 3)

	// Выше суммарный приоритет — раньше dispatch и меньше задержка
	assert.Equal(t, "high", sent[0].key)
	assert.Equal(t, "norm", sent[1].key)
	assert.Equal(t, "low", sent[2].key)

	assert.Equal(t, time.Duration(0), sent[0].delay)
	assert.Equal(t, 20*time.Second, sent[1].delay)
	assert.Equal(t, 80*time.Second, sent[2].delay)
}

func TestCompletedStepIsSynthesizedWithoutDispatch(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Priority: domain.DefaultPriority}
	plan := newFakePlanner(step(run.ID, "a", 5), step(run.ID, "b", 5))

	store := ledger.NewMemoryLedger()
	resultData, err := results.EncodeStored(map[string]any{"answer": 42.0}, "")
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), &ledger.Record{
		Key:        ledger.Key(run.ID, []string{"a"}),
		State:      domain.RecordCompleted,
		ResultData: resultData,
	}))

	waiter := newFakeWaiter()
	waiter.script(ledger.Key(run.ID, []string{"b"}), okOutcome(nil))

	transport := &fakeTransport{}
	coord := testCoordinator(store, transport, waiter, nil)

	events, err := coord.Execute(context.Background(), run, plan)
	require.NoError(t, err)
	all := collect(t, events)

	// В очередь ушёл только "b"
	sent := transport.sentSteps()
	require.Len(t, sent, 1)
	assert.Equal(t, "b", sent[0].key)
	assert.Len(t, byType(all, domain.EventStepDispatched), 1)

	succeeded := byType(all, domain.EventStepSucceeded)
	require.Len(t, succeeded, 2)
	for _, e := range succeeded {
		if e.StepKey == "a" {
			assert.True(t, e.Synthesized)
			assert.Equal(t, uuid.Nil, e.TaskID)
			assert.Equal(t, 42.0, e.Outputs["answer"])
		} else {
			assert.False(t, e.Synthesized)
		}
	}

	finished := byType(all, domain.EventRunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, domain.OutcomeSucceeded, finished[0].Outcome)
}

func TestStepFailureDrainsSiblings(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Priority: domain.DefaultPriority}
	plan := newFakePlanner(step(run.ID, "a", 5), step(run.ID, "b", 5))

	waiter := newFakeWaiter()
	waiter.script(ledger.Key(run.ID, []string{"a"}), results.Failed(errors.New("boom")))
	// "b" не заскриптован: блокируется до отмены

	canceller := newCountingCanceller()
	coord := testCoordinator(ledger.NewMemoryLedger(), &fakeTransport{}, waiter, canceller)

	events, err := coord.Execute(context.Background(), run, plan)
	require.NoError(t, err)
	all := collect(t, events)

	failed := byType(all, domain.EventStepFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].StepKey)
	assert.Equal(t, "boom", failed[0].Error)

	interrupted := byType(all, domain.EventStepInterrupted)
	require.Len(t, interrupted, 1)
	assert.Equal(t, "b", interrupted[0].StepKey)

	finished := byType(all, domain.EventRunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, domain.OutcomeFailed, finished[0].Outcome)
	assert.Contains(t, finished[0].Error, "1 step(s) failed")
	assert.Contains(t, finished[0].Error, "boom")

	assert.Equal(t, 1, canceller.cancelled())
}

func TestTerminateCancelsEachInFlightStepOnce(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Priority: domain.DefaultPriority}
	plan := newFakePlanner(step(run.ID, "a", 5), step(run.ID, "b", 5), step(run.ID, "c", 5))

	transport := &fakeTransport{}
	canceller := newCountingCanceller()
	// Все ожидания блокируются до отмены
	coord := testCoordinator(ledger.NewMemoryLedger(), transport, newFakeWaiter(), canceller)

	events, err := coord.Execute(context.Background(), run, plan)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(transport.sentSteps()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, coord.Terminate(run.ID))

	all := collect(t, events)

	interrupted := byType(all, domain.EventStepInterrupted)
	assert.Len(t, interrupted, 3)
	assert.Empty(t, byType(all, domain.EventStepFailed))

	finished := byType(all, domain.EventRunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, domain.OutcomeInterrupted, finished[0].Outcome)

	assert.True(t, plan.wasInterrupted())
	assert.Equal(t, 3, canceller.cancelled())
}

func TestOrchestratorInterruptStopsRun(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Priority: domain.DefaultPriority}
	plan := newFakePlanner(step(run.ID, "a", 5))

	transport := &fakeTransport{}
	canceller := newCountingCanceller()
	coord := testCoordinator(ledger.NewMemoryLedger(), transport, newFakeWaiter(), canceller)

	events, err := coord.Execute(context.Background(), run, plan)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(transport.sentSteps()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	plan.mu.Lock()
	plan.interrupt = true
	plan.mu.Unlock()

	all := collect(t, events)

	require.Len(t, byType(all, domain.EventStepInterrupted), 1)
	finished := byType(all, domain.EventRunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, domain.OutcomeInterrupted, finished[0].Outcome)
	assert.True(t, plan.wasInterrupted())
	assert.Equal(t, 1, canceller.cancelled())
}

func TestExecuteRejectsDuplicateRun(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Priority: domain.DefaultPriority}
	plan := newFakePlanner(step(run.ID, "a", 5))

	transport := &fakeTransport{}
	canceller := newCountingCanceller()
	coord := testCoordinator(ledger.NewMemoryLedger(), transport, newFakeWaiter(), canceller)

	events, err := coord.Execute(context.Background(), run, plan)
	require.NoError(t, err)

	_, err = coord.Execute(context.Background(), run, newFakePlanner())
	assert.ErrorIs(t, err, ErrRunAlreadyActive)

	coord.Terminate(run.ID)
	collect(t, events)
}

func TestExecuteRejectsNilPlanner(t *testing.T) {
	coord := testCoordinator(ledger.NewMemoryLedger(), &fakeTransport{}, newFakeWaiter(), nil)

	_, err := coord.Execute(context.Background(), domain.Run{ID: uuid.New()}, nil)
	assert.ErrorIs(t, err, ErrNilPlanner)
}

func TestTerminateUnknownRun(t *testing.T) {
	coord := testCoordinator(ledger.NewMemoryLedger(), &fakeTransport{}, newFakeWaiter(), newCountingCanceller())
	assert.False(t, coord.Terminate(uuid.New()))
}

func TestContextCancellationInterruptsRun(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Priority: domain.DefaultPriority}
	plan := newFakePlanner(step(run.ID, "a", 5))

	transport := &fakeTransport{}
	coord := testCoordinator(ledger.NewMemoryLedger(), transport, newFakeWaiter(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := coord.Execute(ctx, run, plan)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(transport.sentSteps()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()

	all := collect(t, events)
	finished := byType(all, domain.EventRunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, domain.OutcomeInterrupted, finished[0].Outcome)
}
