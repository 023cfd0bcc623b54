package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(context.Context, []byte, int) error { return nil }

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10, okHandler)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10, okHandler)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.ErrorIs(t, pool.Start(4), ErrPoolStarted)

	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	var seen sync.Map
	pool := NewPool(10, func(_ context.Context, body []byte, dequeueCount int) error {
		seen.Store(string(body), dequeueCount)
		return nil
	})
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	const count = 10
	for i := 0; i < count; i++ {
		require.NoError(t, pool.Submit(Delivery{
			ID:           fmt.Sprintf("msg-%d", i),
			Body:         []byte(fmt.Sprintf("body-%d", i)),
			DequeueCount: 2,
			Timeout:      time.Second,
		}))
	}

	results := make(map[string]Result)
	for i := 0; i < count; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.ID] = result
	}

	assert.Len(t, results, count)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, 2, r.DequeueCount)
	}

	dc, ok := seen.Load("body-3")
	require.True(t, ok)
	assert.Equal(t, 2, dc)
}

func TestHandlerError(t *testing.T) {
	boom := errors.New("classifier unavailable")
	pool := NewPool(1, func(context.Context, []byte, int) error { return boom })
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Delivery{ID: "m"}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, boom)
}

func TestTimeout(t *testing.T) {
	pool := NewPool(10, func(ctx context.Context, _ []byte, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Delivery{ID: "timeout", Timeout: time.Millisecond}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestHandlerIgnoringDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	pool := NewPool(1, func(context.Context, []byte, int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Delivery{ID: "stuck", Timeout: 10 * time.Millisecond}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestHandlerPanic(t *testing.T) {
	pool := NewPool(1, func(context.Context, []byte, int) error { panic("bad message") })
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Delivery{ID: "p", Timeout: time.Second}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error.Error(), "bad message")
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	var running, peak int32
	pool := NewPool(100, func(context.Context, []byte, int) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	const count = 20
	for i := 0; i < count; i++ {
		require.NoError(t, pool.Submit(Delivery{ID: fmt.Sprintf("m-%d", i)}))
	}
	for i := 0; i < count; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100, okHandler)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, pool.Submit(Delivery{ID: fmt.Sprintf("g%d-%d", g, i)}))
			}
		}(g)
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(1, okHandler)
	pool.Stop()
	assert.False(t, pool.IsStarted())
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, okHandler)
	assert.ErrorIs(t, pool.Submit(Delivery{ID: "x"}), ErrPoolNotStarted)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(1, okHandler)
	require.NoError(t, pool.Start(1))
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(Delivery{ID: "x"}), ErrPoolClosed)
	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestSubmitRacingStop(t *testing.T) {
	pool := NewPool(0, func(context.Context, []byte, int) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	require.NoError(t, pool.Start(1))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := pool.Submit(Delivery{ID: fmt.Sprintf("m-%d", i)})
			if err != nil {
				assert.ErrorIs(t, err, ErrPoolClosed)
			}
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	pool.Stop()
	wg.Wait()

	select {
	case <-pool.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}
