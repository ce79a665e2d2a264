// Package workerpool provides a fixed-size pool of long-lived workers that
// execute tasks from a shared, unbounded FIFO queue.
//
// The pool never grows or shrinks: New starts exactly size workers and Close
// joins exactly those workers. Submit never blocks on queue capacity, so a
// slow consumer costs memory rather than stalling the producer. A task that
// panics is recovered at the worker boundary and logged; the worker then
// continues with the next task.
package workerpool

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-echo/logger"
)

var (
	// ErrInvalidSize is returned by New when size is less than one.
	ErrInvalidSize = errors.New("worker pool size must be at least 1")

	// ErrPoolClosed is returned by Submit after Close has been called.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrNilTask is returned by Submit when given a nil task.
	ErrNilTask = errors.New("task is nil")
)

// Task is one unit of deferred work. It is opaque to the pool beyond being
// invoked once by exactly one worker.
type Task func()

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers   int    // Fixed number of workers
	Queued    int    // Tasks waiting in the queue
	Running   int    // Tasks currently executing
	Completed uint64 // Tasks that returned normally
	Panicked  uint64 // Tasks that panicked and were recovered
}

// Pool is a bounded worker pool. It must be created with New.
type Pool struct {
	size int
	log  logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	closed bool

	group     errgroup.Group
	closeOnce sync.Once

	running   atomic.Int64
	completed atomic.Uint64
	panicked  atomic.Uint64
}

// New creates a pool and starts size workers immediately. Each worker blocks
// until a task is available.
//
// Parameters:
//   - size: Number of workers; must be at least 1 (typically runtime.NumCPU())
//   - log: Logger for task failures and misuse; nil discards output
//
// Returns:
//   - The started *Pool
//   - ErrInvalidSize if size < 1
func New(size int, log logger.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}

	p := &Pool{
		size: size,
		log:  logger.OrNop(log).With(logger.Field{Key: "component", Value: "workerpool"}),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < size; i++ {
		id := i + 1
		p.group.Go(func() error {
			p.work(id)
			return nil
		})
	}

	p.log.Debug("worker pool started", logger.Field{Key: "workers", Value: size})
	return p, nil
}

// Submit enqueues task for execution by the next free worker. It never blocks
// on queue capacity. Ownership of task passes to the pool.
//
// Parameters:
//   - task: The work to run
//
// Returns:
//   - nil when the task was queued
//   - ErrPoolClosed if Close has been called; the task is dropped and logged
//   - ErrNilTask if task is nil
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Warn("task submitted after close was dropped")
		return ErrPoolClosed
	}

	p.queue = append(p.queue, task)
	p.mu.Unlock()
	p.cond.Signal()

	return nil
}

// Close stops accepting tasks, lets the workers drain every task already
// queued and blocks until all of them have exited. It is safe to call more
// than once; later calls wait for the same teardown.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		pending := len(p.queue)
		p.mu.Unlock()
		p.cond.Broadcast()

		p.log.Debug("worker pool closing", logger.Field{Key: "pending", Value: pending})
	})

	_ = p.group.Wait()
}

// Size returns the fixed number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()

	return Stats{
		Workers:   p.size,
		Queued:    queued,
		Running:   int(p.running.Load()),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// next blocks until a task is available or the pool is closed and drained.
func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 {
		if p.closed {
			return nil, false
		}

		p.cond.Wait()
	}

	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	if len(p.queue) == 0 {
		p.queue = nil
	}

	return task, true
}

func (p *Pool) work(id int) {
	for {
		task, ok := p.next()
		if !ok {
			return
		}

		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	p.running.Add(1)
	defer p.running.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.log.Error("task panicked",
				logger.Field{Key: "worker", Value: id},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)},
				logger.Field{Key: "stack", Value: string(debug.Stack())},
			)
		}
	}()

	task()
	p.completed.Add(1)
}
