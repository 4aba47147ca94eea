//go:build linux

package scheduler_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rest/api"
	"github.com/momentics/hioload-rest/scheduler"
)

// threadTask records the OS thread of every callback.
type threadTask struct {
	interval time.Duration

	mu       sync.Mutex
	tids     map[int]struct{}
	loop     int
	ticks    atomic.Int32
	cleanups atomic.Int32
}

func newThreadTask(interval time.Duration) *threadTask {
	return &threadTask{interval: interval, tids: map[int]struct{}{}}
}

func (t *threadTask) record() {
	t.mu.Lock()
	t.tids[unix.Gettid()] = struct{}{}
	t.mu.Unlock()
}

func (t *threadTask) Name() string { return "thread" }
func (t *threadTask) Setup(ctx api.TaskContext) error {
	t.loop = ctx.LoopID()
	t.record()
	return nil
}
func (t *threadTask) Cleanup() {
	t.record()
	t.cleanups.Add(1)
}
func (t *threadTask) Interval() time.Duration { return t.interval }
func (t *threadTask) HandleTimer(time.Time) error {
	t.record()
	t.ticks.Add(1)
	return nil
}

func (t *threadTask) threads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tids)
}

func build(t *testing.T, threads int) *scheduler.Scheduler {
	t.Helper()
	cfg := scheduler.DefaultConfig()
	cfg.Threads = threads
	cfg.ReportInterval = 10 * time.Millisecond
	s, err := scheduler.Build(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestBuildRejectsZeroThreads(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	cfg.Threads = 0
	_, err := scheduler.Build(cfg, nil, nil)
	assert.ErrorIs(t, err, api.ErrConfiguration)
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	cfg.Backend = 99
	_, err := scheduler.Build(cfg, nil, nil)
	assert.ErrorIs(t, err, api.ErrConfiguration)
}

func TestBuildClampsThreadsWhenMultiSchedulerDisallowed(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	cfg.Threads = 4
	cfg.MultiSchedulerAllowed = false
	s, err := scheduler.Build(cfg, nil, nil)
	require.NoError(t, err)
	defer s.Shutdown()
	assert.Equal(t, 1, s.NumThreads())
}

func TestRegisterSpreadsTasksAcrossLoops(t *testing.T) {
	s := build(t, 4)
	var ids []api.TaskID
	for i := 0; i < 8; i++ {
		id, err := s.RegisterTask(newThreadTask(time.Hour))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []int64{2, 2, 2, 2}, s.LoopLoads())
	for i, id := range ids {
		loop, ok := s.TaskLoop(id)
		require.True(t, ok)
		assert.Equal(t, i%4, loop, "task %d", i)
	}
	assert.Equal(t, 8, s.NumTasks())
}

func TestTaskServicedBySingleThread(t *testing.T) {
	s := build(t, 3)
	tasks := make([]*threadTask, 6)
	for i := range tasks {
		tasks[i] = newThreadTask(2 * time.Millisecond)
		_, err := s.RegisterTask(tasks[i])
		require.NoError(t, err)
	}
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool {
		for _, task := range tasks {
			if task.ticks.Load() < 5 {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Shutdown())
	for i, task := range tasks {
		assert.Equal(t, 1, task.threads(), "task %d ran on more than one thread", i)
		assert.EqualValues(t, 1, task.cleanups.Load())
		assert.Equal(t, i%3, task.loop)
	}
}

func TestShutdownDeregistersEverything(t *testing.T) {
	s := build(t, 2)
	tasks := make([]*threadTask, 5)
	for i := range tasks {
		tasks[i] = newThreadTask(time.Hour)
		_, err := s.RegisterTask(tasks[i])
		require.NoError(t, err)
	}
	require.NoError(t, s.Start())

	waited := make(chan error, 1)
	go func() { waited <- s.Wait() }()

	s.BeginShutdown()
	s.BeginShutdown()
	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())

	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Shutdown")
	}
	assert.Equal(t, 0, s.NumTasks())
	assert.Equal(t, []int64{0, 0}, s.LoopLoads())
	for _, task := range tasks {
		assert.EqualValues(t, 1, task.cleanups.Load())
	}

	_, err := s.RegisterTask(newThreadTask(time.Hour))
	assert.ErrorIs(t, err, api.ErrSchedulerClosed)
	assert.ErrorIs(t, s.Start(), api.ErrSchedulerClosed)
}

func TestShutdownWithoutStart(t *testing.T) {
	s := build(t, 2)
	_, err := s.RegisterTask(newThreadTask(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Shutdown())
	assert.NoError(t, s.Wait())
	assert.Equal(t, 0, s.NumTasks())
}

func TestDeregisterAndPost(t *testing.T) {
	s := build(t, 2)
	task := newThreadTask(time.Hour)
	id, err := s.RegisterTask(task)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	ran := make(chan int, 1)
	require.NoError(t, s.Post(id, func() { ran <- unix.Gettid() }))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("post did not run")
	}

	require.NoError(t, s.DeregisterTask(id))
	require.Eventually(t, func() bool { return task.cleanups.Load() == 1 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.NumTasks() == 0 }, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, s.DeregisterTask(id), api.ErrUnknownTask)
	assert.ErrorIs(t, s.Post(id, func() {}), api.ErrUnknownTask)
	assert.Equal(t, 1, task.threads())
}

func TestTimerFuncFires(t *testing.T) {
	s := build(t, 1)
	fired := make(chan time.Time, 1)
	_, err := s.RegisterTask(scheduler.TimerFunc("once", time.Millisecond, func(now time.Time) error {
		select {
		case fired <- now:
		default:
		}
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestAddressReuseAndDescriptorDefaults(t *testing.T) {
	s := build(t, 1)
	assert.True(t, s.AddressReuseAllowed())
	assert.NoError(t, s.AdjustFileDescriptors())
}

func TestAdjustFileDescriptorsBeyondHardLimit(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	cfg.DescriptorMinimum = 1 << 40
	s, err := scheduler.Build(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	err = s.AdjustFileDescriptors()
	assert.ErrorIs(t, err, api.ErrResource)
}

func TestAdjustFileDescriptorsRaisesSoftLimit(t *testing.T) {
	var orig unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &orig))
	if orig.Max == unix.RLIM_INFINITY || orig.Max < 512 {
		t.Skipf("hard descriptor limit %d not usable here", orig.Max)
	}
	t.Cleanup(func() { _ = unix.Setrlimit(unix.RLIMIT_NOFILE, &orig) })
	require.NoError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: 256, Max: orig.Max}))

	cfg := scheduler.DefaultConfig()
	cfg.DescriptorMinimum = orig.Max
	s, err := scheduler.Build(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	require.NoError(t, s.AdjustFileDescriptors())

	var now unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &now))
	assert.Equal(t, orig.Max, now.Cur)
	assert.Equal(t, orig.Max, now.Max)
}
