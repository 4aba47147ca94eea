// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server is the lifecycle controller: it builds the scheduler, handler
// factory, dispatcher and socket tasks in a fixed order, runs them and tears
// them down again.

package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-rest/api"
	"github.com/momentics/hioload-rest/control"
	"github.com/momentics/hioload-rest/dispatcher"
	"github.com/momentics/hioload-rest/internal/logging"
	"github.com/momentics/hioload-rest/pool"
	"github.com/momentics/hioload-rest/rest"
	"github.com/momentics/hioload-rest/scheduler"
)

// readBufferSize is the size of the pooled connection read buffers.
const readBufferSize = 16 << 10

// listener is a bound listening socket task.
type listener interface {
	api.SocketTask
	Addr() net.Addr
	closeSocket()
}

// Reloader returns fresh settings on SIGHUP.
type Reloader func() (map[string]any, error)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetrics replaces the metrics registry.
func WithMetrics(m *control.MetricsRegistry) ServerOption {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithReloader sets the source of settings reloaded on SIGHUP.
func WithReloader(r Reloader) ServerOption {
	return func(s *Server) { s.reload = r }
}

// WithExit replaces the function called when control-C arrives during
// shutdown.
func WithExit(fn func(code int)) ServerOption {
	return func(s *Server) { s.exit = fn }
}

// Server wires the components together.
type Server struct {
	cfg      *Config
	ext      Extensions
	log      *logging.Logger
	metrics  *control.MetricsRegistry
	probes   *control.DebugProbes
	settings *control.ConfigStore
	buffers  *pool.SlabPool
	reload   Reloader
	exit     func(code int)

	sched     *scheduler.Scheduler
	factory   *rest.HandlerFactory
	disp      *dispatcher.Dispatcher
	listeners []listener
	signals   []api.TaskID

	mu           sync.Mutex
	started      bool
	shutdownOnce sync.Once
	shutdownErr  error
}

var _ api.GracefulShutdown = (*Server)(nil)

// New creates a server. Nothing is built until Startup.
func New(cfg *Config, ext Extensions, log *logging.Logger, opts ...ServerOption) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if ext == nil {
		ext = DefaultExtensions{}
	}
	s := &Server{
		cfg:      cfg,
		ext:      ext,
		log:      log,
		metrics:  control.NewMetricsRegistry(),
		probes:   control.NewDebugProbes(),
		settings: control.NewConfigStore(),
		buffers:  pool.NewSlabPool(readBufferSize, 0),
		exit:     exitProcess,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Startup builds every component and starts the scheduler. On failure
// everything built so far is released.
func (s *Server) Startup() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	defer func() {
		if err != nil {
			s.abort()
		}
	}()

	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := s.buildScheduler(); err != nil {
		return err
	}
	s.buildHandlerFactory()
	if err := s.buildDispatcher(); err != nil {
		return err
	}
	if err := s.buildListenTasks(); err != nil {
		return err
	}
	if err := s.sched.AdjustFileDescriptors(); err != nil {
		return err
	}
	if err := s.installSignalHandlers(); err != nil {
		return err
	}
	if err := s.buildSchedulerReporter(); err != nil {
		return err
	}
	if err := s.ext.PrepareServer(s); err != nil {
		return api.ErrConfiguration.WithContext("stage", "prepare").Wrap(err)
	}
	if err := s.sched.Start(); err != nil {
		return err
	}
	s.started = true
	s.log.Notice().
		Str("version", s.ext.ServerVersion()).
		Int("threads", s.sched.NumThreads()).
		Str("backend", s.sched.Backend().String()).
		Log("server ready")
	return nil
}

func (s *Server) buildScheduler() error {
	sched, err := scheduler.Build(s.cfg.schedulerConfig(s.ext.AllowMultiScheduler()), s.log, s.metrics)
	if err != nil {
		return err
	}
	s.sched = sched
	return nil
}

func (s *Server) buildHandlerFactory() {
	maxHeader, maxBody := s.ext.SizeRestrictions(s.cfg.HTTP)
	f := rest.NewHandlerFactory(maxHeader, maxBody, rest.WithLogger(s.log), rest.WithMetrics(s.metrics))
	for _, d := range s.ext.Handlers() {
		if d.IsPrefix {
			f.AddPrefixHandler(d.Path, d.Constructor, d.Data)
		} else {
			f.AddHandler(d.Path, d.Constructor, d.Data)
		}
		s.log.Debug().Str("path", d.Path).Bool("prefix", d.IsPrefix).Log("route registered")
	}
	if nf := s.ext.NotFoundHandler(); nf != nil {
		f.AddNotFoundHandler(nf)
	}
	s.factory = f
}

func (s *Server) buildDispatcher() error {
	d, err := dispatcher.New(s.cfg.dispatcherConfig(), s.factory, s.log, s.metrics)
	if err != nil {
		return err
	}
	s.disp = d
	return nil
}

func (s *Server) buildListenTasks() error {
	for _, ep := range s.cfg.HTTP.Endpoints {
		l, err := s.openListener(ep)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, l)
		if _, err := s.sched.RegisterTask(l); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) buildSchedulerReporter() error {
	s.probes.RegisterProbe("scheduler.tasks", func() any { return s.sched.NumTasks() })
	s.probes.RegisterProbe("scheduler.loads", func() any { return s.sched.LoopLoads() })
	s.probes.RegisterProbe("http.handlers.active", func() any { return s.factory.NumberActiveHandlers() })
	s.probes.RegisterProbe("dispatcher.queues", func() any { return s.disp.Stats() })
	s.probes.RegisterProbe("pool.read_buffers", func() any { return s.buffers.Stats() })
	control.RegisterPlatformProbes(s.probes)

	_, err := s.sched.RegisterTask(scheduler.TimerFunc("scheduler-reporter", s.cfg.Scheduler.ReportInterval, s.report))
	return err
}

// abort releases a partially built server. Tasks of a scheduler that never
// started are discarded without Cleanup, so listening sockets are closed
// here.
func (s *Server) abort() {
	if s.sched != nil {
		_ = s.sched.Shutdown()
	}
	for _, l := range s.listeners {
		l.closeSocket()
	}
	if s.disp != nil {
		s.disp.Close()
	}
}

// Wait blocks until the scheduler threads have exited.
func (s *Server) Wait() error {
	s.mu.Lock()
	sched := s.sched
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	return sched.Wait()
}

// BeginShutdown asks the scheduler to stop. It does not block.
func (s *Server) BeginShutdown() {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()
	if sched != nil {
		sched.BeginShutdown()
	}
}

// Shutdown stops the scheduler, waits for in-flight handlers, closes the
// dispatcher and runs the final maintenance. Later calls return the first
// result.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	err := s.sched.Shutdown()
	s.waitHandlers()
	s.disp.Close()
	if n := s.factory.RunMaintenance(); n != 0 {
		s.log.Debug().Int("callbacks", n).Log("final maintenance done")
	}
	s.log.Notice().Log("server stopped")
	return err
}

// waitHandlers blocks until no handler is active, reporting progress every
// report interval.
func (s *Server) waitHandlers() {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	report := time.Now().Add(s.cfg.Scheduler.ReportInterval)
	for {
		n := s.factory.NumberActiveHandlers()
		if n == 0 {
			return
		}
		if now := time.Now(); now.After(report) {
			s.log.Info().Int("handlers", n).Log("waiting for active handlers")
			report = now.Add(s.cfg.Scheduler.ReportInterval)
		}
		<-tick.C
	}
}

// Config returns the configuration the server runs with.
func (s *Server) Config() *Config { return s.cfg }

// Scheduler returns the scheduler, nil before Startup.
func (s *Server) Scheduler() *scheduler.Scheduler { return s.sched }

// HandlerFactory returns the handler factory, nil before Startup.
func (s *Server) HandlerFactory() *rest.HandlerFactory { return s.factory }

// Dispatcher returns the dispatcher, nil before Startup.
func (s *Server) Dispatcher() *dispatcher.Dispatcher { return s.disp }

// Metrics returns the metrics registry.
func (s *Server) Metrics() *control.MetricsRegistry { return s.metrics }

// Probes returns the debug probes.
func (s *Server) Probes() *control.DebugProbes { return s.probes }

// Settings returns the settings store updated on SIGHUP.
func (s *Server) Settings() *control.ConfigStore { return s.settings }

// Addrs returns the bound listening addresses.
func (s *Server) Addrs() []net.Addr {
	out := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.Addr())
	}
	return out
}
