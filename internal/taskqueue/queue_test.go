package taskqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// gate adds a task that blocks until the returned func is called, keeping
// the cycle open while the rest of a batch is added.
func gate(q *Queue) func() {
	release := make(chan struct{})
	q.AddTask(NewFunc(1, func(context.Context, ProgressFunc) error {
		<-release
		return nil
	}))
	var once sync.Once
	return func() { once.Do(func() { close(release) }) }
}

func TestQueue_ConcurrencyBound(t *testing.T) {
	for _, k := range []int{1, 2, 4} {
		q := New("test", WithConcurrency(k), WithLogger(zap.NewNop()))

		var current, peak int32
		drained := make(chan struct{})
		q.OnDrain(func() { close(drained) })

		open := gate(q)
		for i := 0; i < 12; i++ {
			q.AddTask(NewFunc(1, func(ctx context.Context, report ProgressFunc) error {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				assert.LessOrEqual(t, q.Running(), k)
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			}))
		}
		open()

		waitFor(t, drained, "drain")
		assert.LessOrEqual(t, int(atomic.LoadInt32(&peak)), k, "concurrency %d", k)
		assert.True(t, q.IsFinished())
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := New("fifo")

	var mu sync.Mutex
	var order []int
	drained := make(chan struct{})
	q.OnDrain(func() { close(drained) })

	open := gate(q)
	for i := 0; i < 5; i++ {
		i := i
		q.AddTask(NewFunc(1, func(context.Context, ProgressFunc) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	open()

	waitFor(t, drained, "drain")
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueue_DrainOncePerCycle(t *testing.T) {
	q := New("drain", WithConcurrency(3))

	var drains int32
	drained := make(chan struct{}, 4)
	q.OnDrain(func() {
		atomic.AddInt32(&drains, 1)
		drained <- struct{}{}
	})

	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		q.AddTask(NewFunc(1, func(context.Context, ProgressFunc) error {
			<-release
			return nil
		}))
	}
	close(release)
	waitFor(t, drained, "first drain")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&drains))

	q.AddTask(NewFunc(1, func(context.Context, ProgressFunc) error { return nil }))
	waitFor(t, drained, "second drain")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&drains))
}

func TestQueue_CancelledTaskSkipped(t *testing.T) {
	q := New("cancel")

	var ran int32
	skipped := NewFunc(5, func(context.Context, ProgressFunc) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	skipped.Cancel()

	var finished []Task
	var mu sync.Mutex
	q.OnTaskFinished(func(task Task, err error) {
		mu.Lock()
		finished = append(finished, task)
		mu.Unlock()
	})
	drained := make(chan struct{})
	q.OnDrain(func() { close(drained) })

	open := gate(q)
	ok := NewFunc(1, func(context.Context, ProgressFunc) error { return nil })
	q.AddTask(skipped)
	q.AddTask(ok)
	open()
	waitFor(t, drained, "drain")

	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, finished, 2, "gate and ok")
	assert.Same(t, ok, finished[1])

	progress, total := q.Progress()
	assert.Equal(t, 7.0, total)
	assert.Equal(t, 7.0, progress, "cancelled weight counts as complete")
}

func TestQueue_ProgressReportedOnChange(t *testing.T) {
	q := New("progress")

	var mu sync.Mutex
	var seen []float64
	q.OnProgress(func(progress, total float64) {
		mu.Lock()
		seen = append(seen, progress)
		mu.Unlock()
		assert.Equal(t, 4.0, total)
	})
	drained := make(chan struct{})
	q.OnDrain(func() { close(drained) })

	q.AddTask(NewFunc(4, func(ctx context.Context, report ProgressFunc) error {
		report(1)
		report(1)
		report(2.5)
		report(99)
		return nil
	}))
	waitFor(t, drained, "drain")

	assert.Equal(t, []float64{1, 2.5, 4}, seen)
}

func TestQueue_ReservedWeight(t *testing.T) {
	q := New("uploads")
	q.AddExpectedProgress(20)

	progress, total := q.Progress()
	assert.Equal(t, 0.0, progress)
	assert.Equal(t, 20.0, total)
	assert.True(t, q.IsFinished())

	drained := make(chan struct{})
	q.OnDrain(func() { close(drained) })
	open := gate(q)
	q.AddCountedTask(NewFunc(10, func(context.Context, ProgressFunc) error { return nil }))
	q.AddCountedTask(NewFunc(10, func(context.Context, ProgressFunc) error { return nil }))
	open()
	waitFor(t, drained, "drain")

	progress, total = q.Progress()
	assert.Equal(t, 21.0, progress)
	assert.Equal(t, 21.0, total)
}

func TestQueue_TaskErrorStillFinishes(t *testing.T) {
	q := New("errors")
	boom := errors.New("boom")

	errs := make(chan error, 1)
	q.OnTaskFinished(func(_ Task, err error) { errs <- err })
	drained := make(chan struct{})
	q.OnDrain(func() { close(drained) })

	q.AddTask(NewFunc(1, func(context.Context, ProgressFunc) error { return boom }))
	waitFor(t, drained, "drain")

	require.ErrorIs(t, <-errs, boom)
	progress, _ := q.Progress()
	assert.Equal(t, 1.0, progress)
}

func TestQueue_SlotHeldDuringFinishedListeners(t *testing.T) {
	q := New("causal")

	var sawRunning int32
	q.OnTaskFinished(func(Task, error) {
		atomic.StoreInt32(&sawRunning, int32(q.Running()))
	})
	drained := make(chan struct{})
	q.OnDrain(func() { close(drained) })

	q.AddTask(NewFunc(1, func(context.Context, ProgressFunc) error { return nil }))
	waitFor(t, drained, "drain")

	assert.Equal(t, int32(1), atomic.LoadInt32(&sawRunning))
}

func TestQueue_Unsubscribe(t *testing.T) {
	q := New("unsub")

	var calls int32
	unsubscribe := q.OnTaskFinished(func(Task, error) { atomic.AddInt32(&calls, 1) })
	unsubscribe()
	unsubscribe()

	drained := make(chan struct{})
	q.OnDrain(func() { close(drained) })
	q.AddTask(NewFunc(1, func(context.Context, ProgressFunc) error { return nil }))
	waitFor(t, drained, "drain")

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestQueue_ContextPassedToTasks(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "value")
	q := New("ctx", WithContext(ctx))

	got := make(chan any, 1)
	q.AddTask(NewFunc(1, func(ctx context.Context, _ ProgressFunc) error {
		got <- ctx.Value(key{})
		return nil
	}))

	select {
	case v := <-got:
		assert.Equal(t, "value", v)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestQueue_AddTasksIsOneCycle(t *testing.T) {
	q := New("batch", WithConcurrency(2))

	var drains int32
	drained := make(chan struct{}, 4)
	q.OnDrain(func() {
		atomic.AddInt32(&drains, 1)
		drained <- struct{}{}
	})

	batch := make([]Task, 0, 8)
	for i := 0; i < 8; i++ {
		batch = append(batch, NewFunc(2, func(context.Context, ProgressFunc) error { return nil }))
	}
	q.AddTasks(batch...)
	waitFor(t, drained, "drain")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&drains))
	progress, total := q.Progress()
	assert.Equal(t, 16.0, total)
	assert.Equal(t, 16.0, progress)
}
