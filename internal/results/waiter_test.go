package results

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ospolov/conveyor/internal/domain"
	"github.com/ospolov/conveyor/internal/ledger"
)

func testStore(t *testing.T) *ledger.MemoryLedger {
	t.Helper()
	return ledger.NewMemoryLedger()
}

func TestWaiter_PushDelivery(t *testing.T) {
	router := NewRouter(nil)
	w := NewWaiter(WaiterConfig{Router: router, Store: testStore(t)})
	taskID := uuid.New()

	go func() {
		// Результат приезжает после начала ожидания
		time.Sleep(10 * time.Millisecond)
		router.Deliver(Result{
			TaskID:  taskID,
			Status:  domain.StepSucceeded,
			Outputs: map[string]any{"rows": float64(42)},
		})
	}()

	out := w.Wait(context.Background(), taskID, "key")

	require.NoError(t, out.Err)
	assert.False(t, out.Cancelled)
	require.NotNil(t, out.Result)
	assert.Equal(t, float64(42), out.Result.Outputs["rows"])
}

func TestWaiter_PushFailure(t *testing.T) {
	router := NewRouter(nil)
	w := NewWaiter(WaiterConfig{Router: router, Store: testStore(t)})
	taskID := uuid.New()

	go func() {
		time.Sleep(5 * time.Millisecond)
		router.Deliver(Result{TaskID: taskID, Status: domain.StepFailed, Error: "boom"})
	}()

	out := w.Wait(context.Background(), taskID, "key")

	assert.ErrorIs(t, out.Err, ErrStepFailed)
	assert.ErrorContains(t, out.Err, "boom")
	assert.False(t, out.Cancelled)
}

func TestWaiter_PushInterrupted(t *testing.T) {
	router := NewRouter(nil)
	w := NewWaiter(WaiterConfig{Router: router, Store: testStore(t)})
	taskID := uuid.New()

	go func() {
		time.Sleep(5 * time.Millisecond)
		router.Deliver(Result{TaskID: taskID, Status: domain.StepInterrupted})
	}()

	out := w.Wait(context.Background(), taskID, "key")

	assert.True(t, out.Cancelled)
	assert.NoError(t, out.Err)
}

func TestWaiter_CancelledBeforeWait(t *testing.T) {
	w := NewWaiter(WaiterConfig{Store: testStore(t)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := w.Wait(ctx, uuid.New(), "key")

	assert.True(t, out.Cancelled)
	assert.NoError(t, out.Err)
}

func TestWaiter_CancelledDuringPush(t *testing.T) {
	router := NewRouter(nil)
	w := NewWaiter(WaiterConfig{Router: router, Store: testStore(t)})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out := w.Wait(ctx, uuid.New(), "key")

	assert.True(t, out.Cancelled)
}

func TestWaiter_PollCompleted(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	taskID := uuid.New()
	key := ledger.Key(uuid.New(), []string{"step1"})

	resultData, err := EncodeStored(map[string]any{"code": float64(200)}, "")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &ledger.Record{Key: key, State: domain.RecordPending}))

	w := NewWaiter(WaiterConfig{
		Store:        store,
		PollInterval: 5 * time.Millisecond,
		PollCeiling:  time.Second,
	})

	go func() {
		// Воркер дописывает результат во время ожидания
		time.Sleep(20 * time.Millisecond)
		store.UpdateState(ctx, key, domain.RecordCompleted, resultData)
	}()

	out := w.Wait(ctx, taskID, key)

	require.NoError(t, out.Err)
	require.NotNil(t, out.Result)
	assert.Equal(t, float64(200), out.Result.Outputs["code"])
}

func TestWaiter_PollFailedRecord(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	key := ledger.Key(uuid.New(), []string{"step1"})

	resultData, err := EncodeStored(nil, "connection refused")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &ledger.Record{Key: key, State: domain.RecordPending}))
	require.NoError(t, store.UpdateState(ctx, key, domain.RecordFailed, resultData))

	w := NewWaiter(WaiterConfig{
		Store:        store,
		PollInterval: 5 * time.Millisecond,
		PollCeiling:  time.Second,
	})

	out := w.Wait(ctx, uuid.New(), key)

	assert.ErrorIs(t, out.Err, ErrStepFailed)
	assert.ErrorContains(t, out.Err, "connection refused")
}

func TestWaiter_PollTimeout(t *testing.T) {
	// Воркер никогда не пишет результат: ожидание должно завершиться
	// по потолку — не раньше и не бесконечно.
	store := testStore(t)
	ceiling := 100 * time.Millisecond

	w := NewWaiter(WaiterConfig{
		Store:        store,
		PollInterval: 10 * time.Millisecond,
		PollCeiling:  ceiling,
	})

	start := time.Now()
	out := w.Wait(context.Background(), uuid.New(), "missing-key")
	elapsed := time.Since(start)

	assert.ErrorIs(t, out.Err, ErrResultTimeout)
	assert.False(t, out.Cancelled)
	assert.GreaterOrEqual(t, elapsed, ceiling)
	assert.Less(t, elapsed, 5*ceiling)
}

func TestWaiter_PollCancelledMidWait(t *testing.T) {
	w := NewWaiter(WaiterConfig{
		Store:        testStore(t),
		PollInterval: 5 * time.Millisecond,
		PollCeiling:  10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out := w.Wait(ctx, uuid.New(), "missing-key")

	assert.True(t, out.Cancelled)
	assert.Less(t, time.Since(start), time.Second, "cancellation must not wait for the ceiling")
}

func TestRouter_DeliverUnknownTask(t *testing.T) {
	router := NewRouter(nil)
	assert.False(t, router.Deliver(Result{TaskID: uuid.New(), Status: domain.StepSucceeded}))
}

func TestRouter_DuplicateDelivery(t *testing.T) {
	router := NewRouter(nil)
	taskID := uuid.New()

	ch := router.Register(taskID)
	assert.True(t, router.Deliver(Result{TaskID: taskID, Status: domain.StepSucceeded}))
	// Повторная доставка не блокирует и не паникует
	assert.True(t, router.Deliver(Result{TaskID: taskID, Status: domain.StepSucceeded}))

	res := <-ch
	assert.Equal(t, domain.StepSucceeded, res.Status)
}

func TestStoredResult_RoundTrip(t *testing.T) {
	data, err := EncodeStored(map[string]any{"n": float64(7)}, "")
	require.NoError(t, err)

	stored, err := DecodeStored(data)
	require.NoError(t, err)
	assert.Equal(t, float64(7), stored.Outputs["n"])

	empty, err := DecodeStored(nil)
	require.NoError(t, err)
	assert.Nil(t, empty.Outputs)

	_, err = DecodeStored(json.RawMessage(`{broken`))
	assert.Error(t, err)
}
