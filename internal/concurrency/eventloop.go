// File: internal/concurrency/eventloop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoop services the tasks bound to one scheduler thread. All task state
// lives on the loop goroutine; other goroutines reach it only through Post.

package concurrency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	catrate "github.com/joeycumines/go-catrate"

	"github.com/momentics/hioload-rest/api"
	"github.com/momentics/hioload-rest/internal/logging"
	"github.com/momentics/hioload-rest/reactor"
)

// LoopOptions configures a single EventLoop.
type LoopOptions struct {
	Index   int
	Backend uint32
	// PinCPU binds the loop thread to a CPU; negative disables pinning.
	PinCPU  int
	Logger  *logging.Logger
	Metrics api.Metrics
	// Faults rate-limits fault logging per task id. Nil logs every fault.
	Faults *catrate.Limiter
	// OnRemove runs on the loop goroutine after a task's Cleanup.
	OnRemove func(id api.TaskID)
}

// EventLoop is a single-threaded readiness loop.
type EventLoop struct {
	index    int
	poller   reactor.Poller
	log      *logging.Logger
	metrics  api.Metrics
	faults   *catrate.Limiter
	pinCPU   int
	onRemove func(api.TaskID)

	mu     sync.Mutex
	inbox  *queue.Queue
	closed bool

	load    atomic.Int64
	running atomic.Bool
	done    chan struct{}

	// loop goroutine only
	tasks  map[api.TaskID]*taskEntry
	timers timerHeap
}

// NewEventLoop creates a loop with its own poller.
func NewEventLoop(opts LoopOptions) (*EventLoop, error) {
	p, err := reactor.New(opts.Backend)
	if err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = api.NopMetrics{}
	}
	return &EventLoop{
		index:    opts.Index,
		poller:   p,
		log:      opts.Logger,
		metrics:  m,
		faults:   opts.Faults,
		pinCPU:   opts.PinCPU,
		onRemove: opts.OnRemove,
		inbox:    queue.New(),
		done:     make(chan struct{}),
		tasks:    make(map[api.TaskID]*taskEntry),
	}, nil
}

// Index returns the loop's position in its scheduler.
func (l *EventLoop) Index() int { return l.index }

// Load returns the number of tasks bound to the loop, including tasks whose
// setup is still pending.
func (l *EventLoop) Load() int64 { return l.load.Load() }

// Done is closed once Run has returned and every task was cleaned up.
func (l *EventLoop) Done() <-chan struct{} { return l.done }

// Post queues fn for execution on the loop goroutine.
func (l *EventLoop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return api.ErrSchedulerClosed
	}
	l.inbox.Add(fn)
	l.mu.Unlock()
	return l.Wake()
}

// Wake interrupts a blocked poll.
func (l *EventLoop) Wake() error {
	if err := l.poller.Wake(); err != nil {
		return fmt.Errorf("loop %d wake: %w", l.index, err)
	}
	return nil
}

// Register binds task to the loop under id. Setup runs asynchronously on
// the loop goroutine.
func (l *EventLoop) Register(id api.TaskID, task api.Task) error {
	kind, ok := api.KindOf(task)
	if !ok {
		return api.ErrConfiguration.WithContext("task", task.Name()).
			Wrap(errors.New("task implements no readiness interface"))
	}
	l.load.Add(1)
	if err := l.Post(func() { l.setup(id, task, kind) }); err != nil {
		l.load.Add(-1)
		return err
	}
	return nil
}

// Deregister removes the task with id, running its Cleanup on the loop.
func (l *EventLoop) Deregister(id api.TaskID) error {
	return l.Post(func() {
		if e, ok := l.tasks[id]; ok {
			l.remove(e)
		}
	})
}

// Run services tasks until ctx is cancelled or the poller fails, then
// cleans up every remaining task and closes the poller.
func (l *EventLoop) Run(ctx context.Context) (err error) {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("loop %d already running", l.index)
	}
	if perr := PinCurrentThread(l.pinCPU); perr != nil {
		l.log.Warning().Err(perr).Int("loop", l.index).Log("thread pinning failed")
	}
	stop := context.AfterFunc(ctx, func() { _ = l.Wake() })
	defer stop()
	defer l.finish()

	l.log.Debug().Int("loop", l.index).Log("event loop started")
	for {
		l.drainInbox()
		if ctx.Err() != nil {
			return nil
		}
		if _, werr := l.poller.Wait(l.timers.next(time.Now())); werr != nil {
			return fmt.Errorf("loop %d: %w", l.index, werr)
		}
		l.fireTimers(time.Now())
	}
}

// Close releases a loop that was never run. Pending registrations are
// discarded without Setup or Cleanup. It is a no-op once Run was called.
func (l *EventLoop) Close() error {
	if !l.running.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	l.closed = true
	discarded := int64(l.inbox.Length())
	l.inbox = queue.New()
	l.mu.Unlock()
	l.load.Store(0)
	l.log.Debug().Int("loop", l.index).Int64("discarded", discarded).Log("event loop closed before start")
	close(l.done)
	return l.poller.Close()
}

// finish refuses new work, runs whatever was already posted, then tears
// down all tasks.
func (l *EventLoop) finish() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.drainInbox()
	for _, e := range l.tasks {
		l.remove(e)
	}
	if err := l.poller.Close(); err != nil {
		l.log.Warning().Err(err).Int("loop", l.index).Log("poller close failed")
	}
	l.log.Debug().Int("loop", l.index).Log("event loop stopped")
	close(l.done)
}

func (l *EventLoop) drainInbox() {
	l.mu.Lock()
	n := l.inbox.Length()
	batch := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, l.inbox.Remove().(func()))
	}
	l.mu.Unlock()
	for _, fn := range batch {
		l.call(fn)
	}
}

// call runs a posted closure, isolating panics from the loop.
func (l *EventLoop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.Add("scheduler.faults", 1)
			l.log.Err().Int("loop", l.index).Str("panic", fmt.Sprint(r)).Log("posted function panicked")
		}
	}()
	fn()
}

func (l *EventLoop) fireTimers(now time.Time) {
	for {
		it := l.timers.popDue(now)
		if it == nil {
			return
		}
		e := it.entry
		if e.state() != api.TaskActive {
			continue
		}
		tt := e.task.(api.TimerTask)
		_ = l.guard(e, "timer", func() error { return tt.HandleTimer(now) })
		if e.state() != api.TaskActive {
			continue
		}
		next := it.when.Add(tt.Interval())
		if !next.After(now) {
			next = now.Add(tt.Interval())
		}
		l.timers.schedule(it, next)
	}
}

func (l *EventLoop) setup(id api.TaskID, task api.Task, kind api.TaskKind) {
	e := &taskEntry{id: id, task: task, kind: kind, loop: l, fd: -1}
	e.st.Store(int32(api.TaskRegistered))
	l.tasks[id] = e
	l.metrics.Add("scheduler.tasks", 1)

	if err := l.guard(e, "setup", func() error { return task.Setup(e) }); err != nil {
		l.remove(e)
		return
	}
	if e.state() == api.TaskDeregistered {
		return
	}

	switch kind {
	case api.TaskSocket:
		st := task.(api.SocketTask)
		fd := st.FD()
		if err := l.poller.Add(fd, st.Events(), func(_ int, ev api.IOEvents) { l.serviceIO(e, ev) }); err != nil {
			l.fault(e, "setup", err)
			l.remove(e)
			return
		}
		e.fd = fd
	case api.TaskTimer:
		iv := task.(api.TimerTask).Interval()
		if iv <= 0 {
			l.fault(e, "setup", api.ErrConfiguration.WithContext("interval", iv).
				Wrap(errors.New("timer interval must be positive")))
			l.remove(e)
			return
		}
		e.timer = &timerItem{entry: e, index: -1}
		l.timers.schedule(e.timer, time.Now().Add(iv))
	case api.TaskSignal:
		l.watchSignals(e, task.(api.SignalTask))
	}
	e.st.CompareAndSwap(int32(api.TaskRegistered), int32(api.TaskActive))
}

func (l *EventLoop) serviceIO(e *taskEntry, ev api.IOEvents) {
	if e.state() != api.TaskActive {
		return
	}
	st := e.task.(api.SocketTask)
	// a failing socket task would be reported ready again on every poll
	if err := l.guard(e, "io", func() error { return st.HandleIO(ev) }); err != nil {
		l.remove(e)
	}
}

// watchSignals forwards OS signals to the loop so HandleSignal runs on the
// owning thread.
func (l *EventLoop) watchSignals(e *taskEntry, st api.SignalTask) {
	ch := make(chan os.Signal, 4)
	quit := make(chan struct{})
	signal.Notify(ch, st.Signals()...)
	go func() {
		for {
			select {
			case sig := <-ch:
				err := l.Post(func() {
					if e.state() != api.TaskActive {
						return
					}
					_ = l.guard(e, "signal", func() error { return st.HandleSignal(sig) })
				})
				if err != nil {
					return
				}
			case <-quit:
				return
			}
		}
	}()
	e.stopSignals = func() {
		signal.Stop(ch)
		close(quit)
	}
}

// remove deregisters e exactly once.
func (l *EventLoop) remove(e *taskEntry) {
	if api.TaskState(e.st.Swap(int32(api.TaskDeregistered))) == api.TaskDeregistered {
		return
	}
	if e.fd >= 0 {
		if err := l.poller.Remove(e.fd); err != nil {
			l.fault(e, "deregister", err)
		}
		e.fd = -1
	}
	if e.timer != nil {
		l.timers.cancel(e.timer)
	}
	if e.stopSignals != nil {
		e.stopSignals()
	}
	l.guard(e, "cleanup", func() error {
		e.task.Cleanup()
		return nil
	})
	delete(l.tasks, e.id)
	l.load.Add(-1)
	l.metrics.Add("scheduler.tasks", -1)
	if l.onRemove != nil {
		l.onRemove(e.id)
	}
}

// guard runs fn for task e, converting a panic into an error and reporting
// any failure as a task fault.
func (l *EventLoop) guard(e *taskEntry, stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			l.fault(e, stage, err)
		}
	}()
	return fn()
}

func (l *EventLoop) fault(e *taskEntry, stage string, err error) {
	l.metrics.Add("scheduler.faults", 1)
	if _, ok := l.faults.Allow(e.id); !ok {
		return
	}
	l.log.Err().
		Err(err).
		Uint64("task", uint64(e.id)).
		Str("name", e.task.Name()).
		Str("stage", stage).
		Int("loop", l.index).
		Log("task fault")
}

// taskEntry is the loop-side record of a task. It doubles as the task's
// api.TaskContext.
type taskEntry struct {
	id          api.TaskID
	task        api.Task
	kind        api.TaskKind
	loop        *EventLoop
	st          atomic.Int32
	fd          int
	timer       *timerItem
	stopSignals func()
}

func (e *taskEntry) state() api.TaskState { return api.TaskState(e.st.Load()) }

func (e *taskEntry) ID() api.TaskID { return e.id }

func (e *taskEntry) LoopID() int { return e.loop.index }

func (e *taskEntry) SetEvents(events api.IOEvents) error {
	if e.kind != api.TaskSocket {
		return api.ErrConfiguration.WithContext("task", e.task.Name()).
			Wrap(errors.New("not a socket task"))
	}
	if e.fd < 0 {
		return api.ErrSchedulerClosed
	}
	return e.loop.poller.Modify(e.fd, events)
}

func (e *taskEntry) Deregister() {
	// a closed loop removes every task while finishing
	_ = e.loop.Post(func() { e.loop.remove(e) })
}
