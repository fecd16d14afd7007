package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassOrder, ClassOf("kt10000"))
	assert.Equal(t, ClassOrder, ClassOf("order_cancel"))
	assert.Equal(t, ClassQuery, ClassOf("balance"))
	assert.Equal(t, ClassQuery, ClassOf(""), "unknown defaults to query")
}

func TestZeroTimeoutAcquire(t *testing.T) {
	l := New(10, 2)

	// Burst of 2 order tokens available immediately; the third must fail.
	assert.True(t, l.Acquire(context.Background(), ClassOrder, 0))
	assert.True(t, l.Acquire(context.Background(), ClassOrder, 0))
	assert.False(t, l.Acquire(context.Background(), ClassOrder, 0))
}

func TestBurstPlusOneWaits(t *testing.T) {
	l := New(10, 5)

	start := time.Now()
	for i := 0; i < 6; i++ {
		require.True(t, l.Acquire(context.Background(), ClassOrder, 2*time.Second))
	}
	elapsed := time.Since(start)

	// Five tokens are free; the sixth waits for one refill interval (~200ms).
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	stats := l.Stats(ClassOrder)
	assert.Equal(t, int64(6), stats.Acquired)
	assert.Greater(t, stats.WaitedMS, int64(0))
}

func TestAcquireTimeout(t *testing.T) {
	l := New(10, 1)

	require.True(t, l.Acquire(context.Background(), ClassOrder, 0))
	// Next token arrives in ~1s; a 50ms timeout cannot cover it.
	assert.False(t, l.Acquire(context.Background(), ClassOrder, 50*time.Millisecond))
}

func TestClassesIndependent(t *testing.T) {
	l := New(1, 1)

	require.True(t, l.Acquire(context.Background(), ClassOrder, 0))
	// Draining the order bucket leaves the query bucket untouched.
	assert.True(t, l.Acquire(context.Background(), ClassQuery, 0))
}

func TestAcquireAPIClassifies(t *testing.T) {
	l := New(10, 1)

	require.True(t, l.AcquireAPI(context.Background(), "kt10000", 0))
	assert.False(t, l.AcquireAPI(context.Background(), "kt10001", 0), "order bucket drained")
	assert.True(t, l.AcquireAPI(context.Background(), "balance", 0), "query bucket unaffected")
}
