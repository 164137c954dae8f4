package cancel

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher считает публикации control-сообщений.
type fakePublisher struct {
	mu     sync.Mutex
	sent   map[uuid.UUID]int
	err    error
	reason string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: make(map[uuid.UUID]int)}
}

func (p *fakePublisher) PublishCancel(_ context.Context, taskID uuid.UUID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent[taskID]++
	p.reason = reason
	return nil
}

func (p *fakePublisher) count(taskID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[taskID]
}

func TestRegistry_CancelRunning(t *testing.T) {
	registry := NewRegistry()
	taskID := uuid.New()

	ctx, cancelFn := context.WithCancel(context.Background())
	registry.Register(taskID, cancelFn)

	assert.Equal(t, 1, registry.Running())
	assert.True(t, registry.Cancel(taskID))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestRegistry_CancelUnknownIsNoop(t *testing.T) {
	registry := NewRegistry()

	// Неизвестная задача: no-op, без паники
	assert.False(t, registry.Cancel(uuid.New()))
}

func TestRegistry_CancelAfterDeregister(t *testing.T) {
	registry := NewRegistry()
	taskID := uuid.New()

	_, cancelFn := context.WithCancel(context.Background())
	registry.Register(taskID, cancelFn)
	registry.Deregister(taskID)

	// Задача уже завершилась: опоздавшая отмена — no-op
	assert.False(t, registry.Cancel(taskID))
	assert.Equal(t, 0, registry.Running())
}

func TestCanceller_RequestIssuedOnce(t *testing.T) {
	pub := newFakePublisher()
	c := NewCanceller(pub, nil)
	taskID := uuid.New()

	issued, err := c.CancelTask(context.Background(), taskID, "run interrupted")
	require.NoError(t, err)
	assert.True(t, issued)

	// Повторный запрос подавляется локальным множеством requested
	issued, err = c.CancelTask(context.Background(), taskID, "run interrupted")
	require.NoError(t, err)
	assert.False(t, issued)

	assert.Equal(t, 1, pub.count(taskID))
	assert.Equal(t, "run interrupted", pub.reason)
	assert.True(t, c.Requested(taskID))
}

func TestCanceller_PublishFailureAllowsRetry(t *testing.T) {
	pub := newFakePublisher()
	pub.err = errors.New("broker down")
	c := NewCanceller(pub, nil)
	taskID := uuid.New()

	issued, err := c.CancelTask(context.Background(), taskID, "x")
	assert.Error(t, err)
	assert.False(t, issued)
	assert.False(t, c.Requested(taskID), "failed publish must not mark the task as requested")

	// После восстановления брокера запрос проходит
	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()

	issued, err = c.CancelTask(context.Background(), taskID, "x")
	require.NoError(t, err)
	assert.True(t, issued)
}

func TestCanceller_IndependentTasks(t *testing.T) {
	pub := newFakePublisher()
	c := NewCanceller(pub, nil)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		issued, err := c.CancelTask(context.Background(), id, "terminate")
		require.NoError(t, err)
		assert.True(t, issued)
	}

	for _, id := range ids {
		assert.Equal(t, 1, pub.count(id))
	}
}
