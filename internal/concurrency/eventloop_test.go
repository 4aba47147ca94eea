//go:build linux

package concurrency_test

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rest/api"
	"github.com/momentics/hioload-rest/internal/concurrency"
)

type tickTask struct {
	interval time.Duration
	onTick   func() error
	setup    atomic.Int32
	cleanup  atomic.Int32
}

func (t *tickTask) Name() string                { return "tick" }
func (t *tickTask) Setup(api.TaskContext) error { t.setup.Add(1); return nil }
func (t *tickTask) Cleanup()                    { t.cleanup.Add(1) }
func (t *tickTask) Interval() time.Duration     { return t.interval }
func (t *tickTask) HandleTimer(time.Time) error { return t.onTick() }

type pipeTask struct {
	fd   int
	got  chan api.IOEvents
	loop atomic.Int32
}

func (p *pipeTask) Name() string { return "pipe" }
func (p *pipeTask) Setup(ctx api.TaskContext) error {
	p.loop.Store(int32(ctx.LoopID()))
	return nil
}
func (p *pipeTask) Cleanup()             {}
func (p *pipeTask) FD() int              { return p.fd }
func (p *pipeTask) Events() api.IOEvents { return api.EventRead }
func (p *pipeTask) HandleIO(ev api.IOEvents) error {
	var buf [64]byte
	_, _ = unix.Read(p.fd, buf[:])
	p.got <- ev
	return nil
}

func startLoop(t *testing.T, opts concurrency.LoopOptions) (*concurrency.EventLoop, context.CancelFunc) {
	t.Helper()
	l, err := concurrency.NewEventLoop(opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l, cancel
}

func TestEventLoopPostRunsOnLoop(t *testing.T) {
	l, _ := startLoop(t, concurrency.LoopOptions{Index: 3, PinCPU: -1})
	done := make(chan struct{})
	require.NoError(t, l.Post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posted function did not run")
	}
	assert.Equal(t, 3, l.Index())
}

func TestEventLoopSocketReadiness(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	l, _ := startLoop(t, concurrency.LoopOptions{Index: 1, PinCPU: -1})
	task := &pipeTask{fd: fds[0], got: make(chan api.IOEvents, 4)}
	require.NoError(t, l.Register(7, task))

	_, err := unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	select {
	case ev := <-task.got:
		assert.NotZero(t, ev&api.EventRead)
	case <-time.After(2 * time.Second):
		t.Fatal("no readiness dispatched")
	}
	assert.EqualValues(t, 1, task.loop.Load())
	assert.EqualValues(t, 1, l.Load())
}

func TestEventLoopTimerFaultIsolated(t *testing.T) {
	var calls atomic.Int32
	task := &tickTask{interval: 5 * time.Millisecond, onTick: func() error {
		n := calls.Add(1)
		if n == 1 {
			panic("boom")
		}
		if n == 2 {
			return errors.New("transient")
		}
		return nil
	}}
	l, _ := startLoop(t, concurrency.LoopOptions{PinCPU: -1})
	require.NoError(t, l.Register(1, task))

	require.Eventually(t, func() bool { return calls.Load() >= 4 }, 2*time.Second, time.Millisecond)
	assert.EqualValues(t, 1, task.setup.Load())
	assert.EqualValues(t, 0, task.cleanup.Load())
}

func TestEventLoopDeregisterRunsCleanupOnce(t *testing.T) {
	removed := make(chan api.TaskID, 1)
	task := &tickTask{interval: time.Hour, onTick: func() error { return nil }}
	l, _ := startLoop(t, concurrency.LoopOptions{PinCPU: -1, OnRemove: func(id api.TaskID) { removed <- id }})
	require.NoError(t, l.Register(9, task))
	require.NoError(t, l.Deregister(9))
	require.NoError(t, l.Deregister(9))

	select {
	case id := <-removed:
		assert.EqualValues(t, 9, id)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not removed")
	}
	require.Eventually(t, func() bool { return l.Load() == 0 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, task.cleanup.Load())
}

func TestEventLoopStopCleansUpTasks(t *testing.T) {
	l, err := concurrency.NewEventLoop(concurrency.LoopOptions{PinCPU: -1})
	require.NoError(t, err)
	task := &tickTask{interval: time.Hour, onTick: func() error { return nil }}
	// registration before Run is queued and serviced once the loop starts
	require.NoError(t, l.Register(1, task))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	require.Eventually(t, func() bool { return task.setup.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.EqualValues(t, 1, task.cleanup.Load())
	assert.EqualValues(t, 0, l.Load())
	assert.ErrorIs(t, l.Post(func() {}), api.ErrSchedulerClosed)
	assert.ErrorIs(t, l.Register(2, task), api.ErrSchedulerClosed)
}

type sigTask struct {
	got chan os.Signal
}

func (s *sigTask) Name() string                     { return "sig" }
func (s *sigTask) Setup(api.TaskContext) error      { return nil }
func (s *sigTask) Cleanup()                         {}
func (s *sigTask) Signals() []os.Signal             { return []os.Signal{syscall.SIGUSR1} }
func (s *sigTask) HandleSignal(sig os.Signal) error { s.got <- sig; return nil }

func TestEventLoopSignalDelivery(t *testing.T) {
	l, _ := startLoop(t, concurrency.LoopOptions{PinCPU: -1})
	task := &sigTask{got: make(chan os.Signal, 1)}
	require.NoError(t, l.Register(1, task))
	require.Eventually(t, func() bool { return l.Load() == 1 }, time.Second, time.Millisecond)
	// the Notify call happens during setup on the loop
	done := make(chan struct{})
	require.NoError(t, l.Post(func() { close(done) }))
	<-done

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	select {
	case sig := <-task.got:
		assert.Equal(t, syscall.SIGUSR1, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}
}

func TestEventLoopRejectsUnknownTask(t *testing.T) {
	l, err := concurrency.NewEventLoop(concurrency.LoopOptions{PinCPU: -1})
	require.NoError(t, err)
	err = l.Register(1, plainTask{})
	assert.ErrorIs(t, err, api.ErrConfiguration)
}

type plainTask struct{}

func (plainTask) Name() string                { return "plain" }
func (plainTask) Setup(api.TaskContext) error { return nil }
func (plainTask) Cleanup()                    {}
