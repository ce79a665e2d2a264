package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitOrFail(t *testing.T, done <-chan struct{}, d time.Duration, msg string) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(d):
		t.Fatal(msg)
	}
}

func TestNew(t *testing.T) {
	t.Run("rejects zero size", func(t *testing.T) {
		p, err := New(0, nil)
		assert.ErrorIs(t, err, ErrInvalidSize)
		assert.Nil(t, p)
	})

	t.Run("rejects negative size", func(t *testing.T) {
		_, err := New(-3, nil)
		assert.ErrorIs(t, err, ErrInvalidSize)
	})

	t.Run("starts with fixed size", func(t *testing.T) {
		p, err := New(4, nil)
		require.NoError(t, err)
		defer p.Close()

		assert.Equal(t, 4, p.Size())
		stats := p.Stats()
		assert.Equal(t, 4, stats.Workers)
		assert.Zero(t, stats.Queued)
		assert.Zero(t, stats.Running)
	})
}

func TestPool_Submit(t *testing.T) {
	t.Run("all tasks complete when tasks outnumber workers", func(t *testing.T) {
		const workers, tasks = 3, 50

		p, err := New(workers, nil)
		require.NoError(t, err)
		defer p.Close()

		var (
			wg      sync.WaitGroup
			current atomic.Int32
			peak    atomic.Int32
			done    atomic.Int32
		)

		wg.Add(tasks)
		for i := 0; i < tasks; i++ {
			require.NoError(t, p.Submit(func() {
				defer wg.Done()

				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}

				time.Sleep(2 * time.Millisecond)
				current.Add(-1)
				done.Add(1)
			}))
		}

		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()
		waitOrFail(t, finished, 5*time.Second, "tasks did not complete")

		assert.EqualValues(t, tasks, done.Load())
		assert.LessOrEqual(t, peak.Load(), int32(workers))
		assert.Greater(t, peak.Load(), int32(0))
	})

	t.Run("dequeues in submission order", func(t *testing.T) {
		p, err := New(1, nil)
		require.NoError(t, err)

		var (
			mu    sync.Mutex
			order []int
		)

		for i := 0; i < 20; i++ {
			i := i
			require.NoError(t, p.Submit(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}))
		}

		p.Close()

		want := make([]int, 20)
		for i := range want {
			want[i] = i
		}
		assert.Equal(t, want, order)
	})

	t.Run("never blocks on a busy pool", func(t *testing.T) {
		p, err := New(1, nil)
		require.NoError(t, err)

		started := make(chan struct{})
		release := make(chan struct{})
		require.NoError(t, p.Submit(func() {
			close(started)
			<-release
		}))
		<-started

		submitted := make(chan struct{})
		go func() {
			for i := 0; i < 1000; i++ {
				_ = p.Submit(func() {})
			}
			close(submitted)
		}()

		waitOrFail(t, submitted, 2*time.Second, "submit blocked while workers were busy")
		assert.Equal(t, 1000, p.Stats().Queued)

		close(release)
		p.Close()
		assert.EqualValues(t, 1001, p.Stats().Completed)
	})

	t.Run("nil task is rejected", func(t *testing.T) {
		p, err := New(1, nil)
		require.NoError(t, err)
		defer p.Close()

		assert.ErrorIs(t, p.Submit(nil), ErrNilTask)
	})

	t.Run("submit after close is dropped", func(t *testing.T) {
		p, err := New(2, nil)
		require.NoError(t, err)
		p.Close()

		var ran atomic.Bool
		err = p.Submit(func() { ran.Store(true) })
		assert.ErrorIs(t, err, ErrPoolClosed)

		time.Sleep(10 * time.Millisecond)
		assert.False(t, ran.Load())
	})
}

func TestPool_PanicIsolation(t *testing.T) {
	p, err := New(1, nil)
	require.NoError(t, err)

	var after atomic.Bool
	require.NoError(t, p.Submit(func() { panic("boom") }))
	require.NoError(t, p.Submit(func() { panic(assert.AnError) }))
	require.NoError(t, p.Submit(func() { after.Store(true) }))

	p.Close()

	assert.True(t, after.Load(), "worker must keep serving after a panic")
	stats := p.Stats()
	assert.EqualValues(t, 2, stats.Panicked)
	assert.EqualValues(t, 1, stats.Completed)
	assert.Zero(t, stats.Running)
}

func TestPool_Close(t *testing.T) {
	t.Run("returns promptly with no tasks", func(t *testing.T) {
		p, err := New(8, nil)
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			p.Close()
			close(done)
		}()

		waitOrFail(t, done, time.Second, "close blocked on idle pool")
	})

	t.Run("drains queued tasks before returning", func(t *testing.T) {
		p, err := New(1, nil)
		require.NoError(t, err)

		release := make(chan struct{})
		var count atomic.Int32
		require.NoError(t, p.Submit(func() {
			<-release
			count.Add(1)
		}))
		for i := 0; i < 10; i++ {
			require.NoError(t, p.Submit(func() { count.Add(1) }))
		}

		closed := make(chan struct{})
		go func() {
			p.Close()
			close(closed)
		}()

		select {
		case <-closed:
			t.Fatal("close returned while a task was still running")
		case <-time.After(20 * time.Millisecond):
		}

		close(release)
		waitOrFail(t, closed, 2*time.Second, "close did not return")
		assert.EqualValues(t, 11, count.Load())
	})

	t.Run("is idempotent and safe concurrently", func(t *testing.T) {
		p, err := New(2, nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Close()
			}()
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		waitOrFail(t, done, time.Second, "concurrent close deadlocked")
	})
}

func TestPool_Stats_Running(t *testing.T) {
	p, err := New(2, nil)
	require.NoError(t, err)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Submit(func() {
			started <- struct{}{}
			<-release
		}))
	}

	<-started
	<-started
	assert.Equal(t, 2, p.Stats().Running)

	close(release)
	p.Close()
	assert.Zero(t, p.Stats().Running)
	assert.EqualValues(t, 2, p.Stats().Completed)
}
