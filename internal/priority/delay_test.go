package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ospolov/conveyor/internal/domain"
)

func TestDelay_AtOrAboveDefault(t *testing.T) {
	for _, p := range []int{domain.DefaultPriority, 6, 10, 100} {
		assert.Equal(t, time.Duration(0), Delay(p), "priority %d", p)
	}
}

func TestDelay_BelowDefault(t *testing.T) {
	tests := []struct {
		priority int
		want     time.Duration
	}{
		{4, 10 * time.Second},
		{3, 20 * time.Second},
		{0, 50 * time.Second},
		{-3, 80 * time.Second},
		{-85, MaxDelay},
		{-1000, MaxDelay},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Delay(tt.priority), "priority %d", tt.priority)
	}
}

func TestDelay_MonotonicNonIncreasing(t *testing.T) {
	prev := Delay(-200)
	for p := -199; p <= 20; p++ {
		d := Delay(p)
		assert.LessOrEqual(t, d, prev, "delay must not grow with priority (p=%d)", p)
		prev = d
	}
}

func TestEffective_DefaultRunPriority(t *testing.T) {
	// При run priority = default складывание не меняет задержку шага.
	assert.Equal(t, Delay(3), Effective(domain.DefaultPriority, 3))
	assert.Equal(t, Delay(-3), Effective(domain.DefaultPriority, -3))
	assert.Equal(t, time.Duration(0), Effective(domain.DefaultPriority, domain.DefaultPriority))
}

func TestEffective_HighPriorityRunCompensates(t *testing.T) {
	// Высокий приоритет run компенсирует низкий приоритет шага.
	assert.Equal(t, time.Duration(0), Effective(8, 2))
	assert.Equal(t, 10*time.Second, Effective(6, 3))
}
