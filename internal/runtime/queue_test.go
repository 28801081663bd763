package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startQueue(t *testing.T, maxConcurrent int) *Queue {
	t.Helper()
	q := NewQueue(maxConcurrent, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)
	return q
}

func TestQueueRunsByPriority(t *testing.T) {
	q := NewQueue(1, zerolog.Nop())

	var mu sync.Mutex
	var order []string
	record := func(name string) TaskFunc {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	_, err := q.Submit("low", record("low"), 1, time.Second, nil)
	require.NoError(t, err)
	_, err = q.Submit("high", record("high"), 9, time.Second, nil)
	require.NoError(t, err)
	_, err = q.Submit("mid", record("mid"), 5, time.Second, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	require.Eventually(t, func() bool {
		return q.Stats().Completed == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestQueueHonorsConcurrencyCeiling(t *testing.T) {
	q := startQueue(t, 2)

	var current, peak atomic.Int32
	task := func(context.Context) error {
		if c := current.Add(1); c > peak.Load() {
			peak.Store(c)
		}
		time.Sleep(50 * time.Millisecond)
		current.Add(-1)
		return nil
	}
	for i := 0; i < 6; i++ {
		_, err := q.Submit("busy", task, 5, time.Second, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return q.Stats().Completed == 6
	}, 3*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestQueueDependencyOrdering(t *testing.T) {
	q := startQueue(t, 4)

	var parentDone atomic.Bool
	parentID, err := q.Submit("parent", func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		parentDone.Store(true)
		return nil
	}, 1, time.Second, nil)
	require.NoError(t, err)

	var sawParentDone atomic.Bool
	childID, err := q.Submit("child", func(context.Context) error {
		sawParentDone.Store(parentDone.Load())
		return nil
	}, 9, time.Second, []string{parentID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := q.Status(childID)
		return err == nil && status == TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, sawParentDone.Load(), "child ran before its dependency finished")
}

func TestQueueFailedDependencyFailsDependent(t *testing.T) {
	q := startQueue(t, 2)

	parentID, err := q.Submit("doomed", func(context.Context) error {
		return errors.New("boom")
	}, 5, time.Second, nil)
	require.NoError(t, err)

	var ran atomic.Bool
	childID, err := q.Submit("orphan", func(context.Context) error {
		ran.Store(true)
		return nil
	}, 5, time.Second, []string{parentID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := q.Status(childID)
		return err == nil && status == TaskFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, ran.Load())
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	q := startQueue(t, 2)

	var attempts atomic.Int32
	id, err := q.Submit("flaky", func(context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, 5, time.Second, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := q.Status(id)
		return err == nil && status == TaskCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestQueueExhaustsRetries(t *testing.T) {
	q := startQueue(t, 2)

	var attempts atomic.Int32
	id, err := q.Submit("hopeless", func(context.Context) error {
		attempts.Add(1)
		return errors.New("permanent")
	}, 5, time.Second, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := q.Status(id)
		return err == nil && status == TaskFailed
	}, 3*time.Second, 10*time.Millisecond)
	// First run plus three retries.
	assert.Equal(t, int32(4), attempts.Load())
	assert.Equal(t, 1, q.Stats().Failed)
}

func TestQueueTimeoutCancelsTask(t *testing.T) {
	q := startQueue(t, 2)

	var lastErr atomic.Value
	id, err := q.Submit("sleeper", func(ctx context.Context) error {
		<-ctx.Done()
		lastErr.Store(ctx.Err())
		return ctx.Err()
	}, 5, 20*time.Millisecond, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := q.Status(id)
		return err == nil && status == TaskFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, lastErr.Load().(error), context.DeadlineExceeded)
}

func TestQueuePanicContained(t *testing.T) {
	q := startQueue(t, 2)

	panicID, err := q.Submit("bomb", func(context.Context) error {
		panic("kaboom")
	}, 5, time.Second, nil)
	require.NoError(t, err)
	okID, err := q.Submit("survivor", func(context.Context) error {
		return nil
	}, 1, time.Second, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ps, err1 := q.Status(panicID)
		os, err2 := q.Status(okID)
		return err1 == nil && err2 == nil && ps == TaskFailed && os == TaskCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSubmitValidation(t *testing.T) {
	q := NewQueue(2, zerolog.Nop())

	_, err := q.Submit("nofn", nil, 5, time.Second, nil)
	require.Error(t, err)

	_, err = q.Submit("badprio", func(context.Context) error { return nil }, 11, time.Second, nil)
	require.Error(t, err)

	_, err = q.Submit("ghostdep", func(context.Context) error { return nil }, 5, time.Second, []string{"nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")
}

func TestSetMaxConcurrentClamps(t *testing.T) {
	q := NewQueue(5, zerolog.Nop())
	assert.Equal(t, 2, q.SetMaxConcurrent(0))
	assert.Equal(t, 20, q.SetMaxConcurrent(99))
	assert.Equal(t, 7, q.SetMaxConcurrent(7))
}
