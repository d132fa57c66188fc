package worker

// ============================================================================
// Worker Pool / Directory Test File
// Purpose: Verify concurrent execution, timeout, graceful shutdown and
// deterministic worker selection
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUnit is a Runnable driven by a function.
type fakeUnit struct {
	id  int64
	job types.JobID
	fn  func(ctx context.Context) error
}

func (f *fakeUnit) TaskID() int64      { return f.id }
func (f *fakeUnit) JobID() types.JobID { return f.job }
func (f *fakeUnit) Run(ctx context.Context) error {
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx)
}

// ============================================================================
// Pool Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(4)
	require.NoError(t, err)
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	err = pool.Start(2)
	assert.Error(t, err)

	pool.Stop()
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1)
	err := pool.Submit(Task{Unit: &fakeUnit{id: 1}})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		unit := &fakeUnit{id: int64(i), job: 7}
		require.NoError(t, pool.Submit(Task{Unit: unit, Timeout: time.Second}))
	}

	results := make(map[int64]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.TaskID] = result
	}

	assert.Equal(t, taskCount, len(results))
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, types.JobID(7), r.JobID)
	}

	pool.Stop()
}

func TestTimeout(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))

	unit := &fakeUnit{id: 1, fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	require.NoError(t, pool.Submit(Task{Unit: unit, Timeout: time.Millisecond}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)

	pool.Stop()
}

func TestPanicBecomesError(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(1))

	require.NoError(t, pool.Submit(Task{Unit: &fakeUnit{id: 9, fn: func(context.Context) error {
		panic("boom")
	}}}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error.Error(), "panicked")

	// the worker survives and keeps serving
	require.NoError(t, pool.Submit(Task{Unit: &fakeUnit{id: 10}}))
	result, err = pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, result.Success)

	pool.Stop()
}

func TestConcurrency(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(8))

	var running, peak int32
	taskCount := 64
	for i := 0; i < taskCount; i++ {
		unit := &fakeUnit{id: int64(i), fn: func(context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}}
		require.NoError(t, pool.Submit(Task{Unit: unit}))
	}

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(8))
	pool.Stop()
}

func TestStopWhileSubmitting(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			err := pool.Submit(Task{Unit: &fakeUnit{id: int64(i), fn: func(context.Context) error {
				<-block
				return nil
			}}})
			if errors.Is(err, ErrPoolClosed) {
				return
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	close(block)
	pool.Stop()
	wg.Wait()

	err := pool.Submit(Task{Unit: &fakeUnit{id: 99}})
	assert.ErrorIs(t, err, ErrPoolClosed)

	// result channel is closed after Stop
	for {
		if _, err := pool.ReceiveResult(); err != nil {
			assert.ErrorIs(t, err, ErrPoolClosed)
			break
		}
	}
}

// ============================================================================
// Directory Tests
// ============================================================================

func TestDirectorySelect(t *testing.T) {
	handles := []Handle{
		{ID: 3, Host: "10.0.0.3", Port: 9096},
		{ID: 1, Host: "10.0.0.1", Port: 9096},
		{ID: 2, Host: "10.0.0.2", Port: 9096},
	}

	tests := []struct {
		name  string
		jobID types.JobID
		want  types.WorkerID
	}{
		{"job 0 maps to first", 0, 1},
		{"job 1 maps to second", 1, 2},
		{"job 5 wraps around", 5, 3},
		{"negative id stays in range", -1, 3},
	}

	d := NewDirectory(handles...)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := d.Select(tt.jobID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.ID)

			again, err := d.Select(tt.jobID)
			require.NoError(t, err)
			assert.Equal(t, h, again, "selection must be deterministic")
		})
	}
}

func TestDirectoryEmpty(t *testing.T) {
	d := NewDirectory()
	_, err := d.Select(42)
	assert.ErrorIs(t, err, ErrNoWorkerAvailable)
}

func TestDirectoryAddRemove(t *testing.T) {
	d := NewDirectory(Handle{ID: 1, Host: "a", Port: 1})
	d.Add(Handle{ID: 2, Host: "b", Port: 2})
	d.Add(Handle{ID: 1, Host: "c", Port: 3})
	require.Equal(t, 2, d.Len())

	list := d.List()
	assert.Equal(t, "c", list[0].Host)

	d.Remove(1)
	h, err := d.Select(100)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerID(2), h.ID)
}

func TestParseHandle(t *testing.T) {
	h, err := ParseHandle(4, "127.0.0.1:9096")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", h.Host)
	assert.Equal(t, 9096, h.Port)
	assert.Equal(t, "127.0.0.1:9096", h.Addr())

	_, err = ParseHandle(4, "nohost")
	assert.Error(t, err)
	_, err = ParseHandle(4, "h:port")
	assert.Error(t, err)
}
