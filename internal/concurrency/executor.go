// File: internal/concurrency/executor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor dispatches work items to a fixed set of worker goroutines through
// an unbounded FIFO. Close stops intake and lets workers drain what is left.

package concurrency

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// ErrExecutorClosed is returned by Submit after Close.
var ErrExecutorClosed = errors.New("executor closed")

// TaskFunc is a unit of work; worker is the index of the executing worker.
type TaskFunc func(worker int)

// PanicFunc observes a panic recovered from a TaskFunc.
type PanicFunc func(worker int, recovered any)

// Executor manages a pool of worker goroutines.
type Executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	closed  bool
	wg      sync.WaitGroup
	onPanic PanicFunc

	numWorkers int

	// statistics
	totalTasks     atomic.Int64
	completedTasks atomic.Int64
}

// NewExecutor starts numWorkers workers. If numWorkers <= 0, defaults to
// runtime.NumCPU().
func NewExecutor(numWorkers int, onPanic PanicFunc) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	e := &Executor{
		pending:    queue.New(),
		onPanic:    onPanic,
		numWorkers: numWorkers,
	}
	e.cond = sync.NewCond(&e.mu)
	e.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go e.run(i)
	}
	return e
}

// Submit enqueues a task for execution.
func (e *Executor) Submit(task TaskFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	e.totalTasks.Add(1)
	e.pending.Add(task)
	e.cond.Signal()
	return nil
}

// NumWorkers returns the number of workers.
func (e *Executor) NumWorkers() int { return e.numWorkers }

// Close stops accepting tasks and waits until the workers have drained the
// queue and exited. Safe to call more than once.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	e.wg.Wait()
}

// Stats returns basic executor metrics.
func (e *Executor) Stats() map[string]int64 {
	e.mu.Lock()
	queued := int64(e.pending.Length())
	e.mu.Unlock()
	return map[string]int64{
		"total_tasks":     e.totalTasks.Load(),
		"completed_tasks": e.completedTasks.Load(),
		"queued_tasks":    queued,
		"num_workers":     int64(e.numWorkers),
	}
}

func (e *Executor) run(id int) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for e.pending.Length() == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.pending.Length() == 0 {
			e.mu.Unlock()
			return
		}
		task := e.pending.Remove().(TaskFunc)
		e.mu.Unlock()
		e.execute(id, task)
	}
}

// execute runs the task and updates statistics, recovering from panics.
func (e *Executor) execute(id int, task TaskFunc) {
	defer func() {
		if r := recover(); r != nil && e.onPanic != nil {
			e.onPanic(id, r)
		}
		e.completedTasks.Add(1)
	}()
	task(id)
}
