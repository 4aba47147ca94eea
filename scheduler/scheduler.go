// File: scheduler/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scheduler owns a fixed set of event loops, one per OS thread, and binds
// every registered task to exactly one of them for the task's lifetime.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-rest/api"
	"github.com/momentics/hioload-rest/internal/concurrency"
	"github.com/momentics/hioload-rest/internal/logging"
	"github.com/momentics/hioload-rest/reactor"
)

// faultRates bounds fault log lines per task.
var faultRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// Scheduler is a multi-threaded task scheduler.
type Scheduler struct {
	cfg     Config
	backend reactor.Backend
	log     *logging.Logger
	metrics api.Metrics
	loops   []*concurrency.EventLoop

	nextID atomic.Uint64
	mu     sync.Mutex
	owners map[api.TaskID]*concurrency.EventLoop

	ctx    context.Context
	cancel context.CancelFunc

	lifeMu       sync.Mutex
	started      bool
	done         chan struct{}
	waitErr      error
	beginOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// Build validates cfg and creates one loop per thread. Loops do not run
// until Start.
func Build(cfg Config, log *logging.Logger, metrics api.Metrics) (*Scheduler, error) {
	if cfg.Threads < 1 {
		return nil, api.ErrConfiguration.WithContext("scheduler.threads", cfg.Threads).
			Wrap(errors.New("at least one scheduler thread is required"))
	}
	if !cfg.MultiSchedulerAllowed && cfg.Threads > 1 {
		log.Notice().Int("requested", cfg.Threads).Log("multiple scheduler threads not allowed, using one")
		cfg.Threads = 1
	}
	backend, err := reactor.Resolve(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultConfig().ReportInterval
	}
	if metrics == nil {
		metrics = api.NopMetrics{}
	}

	s := &Scheduler{
		cfg:     cfg,
		backend: backend,
		log:     log,
		metrics: metrics,
		owners:  make(map[api.TaskID]*concurrency.EventLoop),
		done:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	faults := catrate.NewLimiter(faultRates)
	for i := 0; i < cfg.Threads; i++ {
		pin := -1
		if cfg.PinThreads {
			pin = i
		}
		loop, err := concurrency.NewEventLoop(concurrency.LoopOptions{
			Index:    i,
			Backend:  uint32(backend),
			PinCPU:   pin,
			Logger:   log,
			Metrics:  metrics,
			Faults:   faults,
			OnRemove: s.forget,
		})
		if err != nil {
			for _, l := range s.loops {
				_ = l.Close()
			}
			return nil, api.ErrResource.WithContext("loop", i).Wrap(err)
		}
		s.loops = append(s.loops, loop)
	}
	metrics.Set("scheduler.threads", cfg.Threads)
	metrics.Set("scheduler.backend", backend.String())
	log.Info().
		Int("threads", cfg.Threads).
		Str("backend", backend.String()).
		Log("scheduler built")
	return s, nil
}

// NumThreads returns the number of loops.
func (s *Scheduler) NumThreads() int { return len(s.loops) }

// Backend returns the resolved readiness backend.
func (s *Scheduler) Backend() reactor.Backend { return s.backend }

// ReportInterval is the period of shutdown progress reports.
func (s *Scheduler) ReportInterval() time.Duration { return s.cfg.ReportInterval }

// AddressReuseAllowed reports whether listening sockets set SO_REUSEADDR.
func (s *Scheduler) AddressReuseAllowed() bool { return s.cfg.ReuseAddress }

// AdjustFileDescriptors raises RLIMIT_NOFILE to the configured minimum.
func (s *Scheduler) AdjustFileDescriptors() error {
	return adjustFileDescriptors(s.cfg.DescriptorMinimum, s.log)
}

// RegisterTask binds task to the least-loaded loop (lowest index on ties).
// Setup runs on that loop.
func (s *Scheduler) RegisterTask(task api.Task) (api.TaskID, error) {
	if s.ctx.Err() != nil {
		return 0, api.ErrSchedulerClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	loop := s.leastLoaded()
	id := api.TaskID(s.nextID.Add(1))
	s.owners[id] = loop
	if err := loop.Register(id, task); err != nil {
		delete(s.owners, id)
		return 0, err
	}
	return id, nil
}

// InstallSignalHandler registers a signal task.
func (s *Scheduler) InstallSignalHandler(task api.SignalTask) (api.TaskID, error) {
	return s.RegisterTask(task)
}

// DeregisterTask removes the task; its Cleanup runs on the owning loop.
func (s *Scheduler) DeregisterTask(id api.TaskID) error {
	loop, err := s.owner(id)
	if err != nil {
		return err
	}
	return loop.Deregister(id)
}

// Post runs fn on the loop owning task id.
func (s *Scheduler) Post(id api.TaskID, fn func()) error {
	loop, err := s.owner(id)
	if err != nil {
		return err
	}
	return loop.Post(fn)
}

// TaskLoop returns the index of the loop owning id.
func (s *Scheduler) TaskLoop(id api.TaskID) (int, bool) {
	loop, err := s.owner(id)
	if err != nil {
		return 0, false
	}
	return loop.Index(), true
}

// LoopLoads returns the number of tasks bound to each loop.
func (s *Scheduler) LoopLoads() []int64 {
	out := make([]int64, len(s.loops))
	for i, l := range s.loops {
		out[i] = l.Load()
	}
	return out
}

// NumTasks returns the number of registered tasks.
func (s *Scheduler) NumTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owners)
}

// Start launches one goroutine, locked to its own OS thread, per loop.
func (s *Scheduler) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return nil
	}
	if s.ctx.Err() != nil {
		return api.ErrSchedulerClosed
	}
	s.started = true

	g, gctx := errgroup.WithContext(s.ctx)
	for _, loop := range s.loops {
		g.Go(func() error { return loop.Run(gctx) })
	}
	go func() {
		err := g.Wait()
		if err != nil {
			s.log.Err().Err(err).Log("scheduler thread failed")
		}
		s.waitErr = err
		close(s.done)
	}()
	s.log.Info().Int("threads", len(s.loops)).Log("scheduler started")
	return nil
}

// Wait blocks until every scheduler thread has exited. It returns at once
// when the scheduler was never started.
func (s *Scheduler) Wait() error {
	s.lifeMu.Lock()
	started := s.started
	s.lifeMu.Unlock()
	if !started {
		return nil
	}
	<-s.done
	return s.waitErr
}

// BeginShutdown asks every loop to stop. It does not block.
func (s *Scheduler) BeginShutdown() {
	s.beginOnce.Do(func() {
		s.log.Info().Log("scheduler shutdown requested")
	})
	s.cancel()
}

// Shutdown stops the loops and blocks until every thread exited and every
// task was deregistered. Later calls return the first result.
func (s *Scheduler) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Scheduler) shutdown() error {
	s.BeginShutdown()

	s.lifeMu.Lock()
	if !s.started {
		s.started = true
		s.lifeMu.Unlock()
		var errs []error
		for _, l := range s.loops {
			errs = append(errs, l.Close())
		}
		s.mu.Lock()
		clear(s.owners)
		s.mu.Unlock()
		close(s.done)
		return errors.Join(errs...)
	}
	s.lifeMu.Unlock()

	ticker := time.NewTicker(s.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			if n := s.NumTasks(); n != 0 {
				return fmt.Errorf("scheduler stopped with %d tasks still registered", n)
			}
			s.log.Info().Log("scheduler stopped")
			return s.waitErr
		case <-ticker.C:
			s.log.Info().
				Int("tasks", s.NumTasks()).
				Log("waiting for scheduler threads to finish")
		}
	}
}

func (s *Scheduler) leastLoaded() *concurrency.EventLoop {
	best := s.loops[0]
	bestLoad := best.Load()
	for _, l := range s.loops[1:] {
		if n := l.Load(); n < bestLoad {
			best, bestLoad = l, n
		}
	}
	return best
}

func (s *Scheduler) owner(id api.TaskID) (*concurrency.EventLoop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loop, ok := s.owners[id]
	if !ok {
		return nil, api.ErrUnknownTask.WithContext("task", uint64(id))
	}
	return loop, nil
}

// forget runs on the owning loop once a task is gone.
func (s *Scheduler) forget(id api.TaskID) {
	s.mu.Lock()
	delete(s.owners, id)
	s.mu.Unlock()
}
