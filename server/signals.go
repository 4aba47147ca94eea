// File: server/signals.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Signal tasks and the periodic scheduler reporter.

package server

import (
	"os"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/momentics/hioload-rest/scheduler"
)

func exitProcess(code int) { os.Exit(code) }

func (s *Server) installSignalHandlers() error {
	var seen atomic.Int32
	controlC := scheduler.SignalFunc("control-c", func(sig os.Signal) error {
		if seen.Add(1) == 1 {
			s.log.Notice().Str("signal", sig.String()).Log("beginning shut down sequence")
			s.BeginShutdown()
			return nil
		}
		s.log.Crit().Str("signal", sig.String()).Log("second interrupt, terminating immediately")
		s.exit(1)
		return nil
	}, os.Interrupt, syscall.SIGTERM)
	id, err := s.sched.InstallSignalHandler(controlC)
	if err != nil {
		return err
	}
	s.signals = append(s.signals, id)

	hangup := scheduler.SignalFunc("hangup", func(os.Signal) error {
		s.hangup()
		return nil
	}, syscall.SIGHUP)
	if id, err = s.sched.InstallSignalHandler(hangup); err != nil {
		return err
	}
	s.signals = append(s.signals, id)
	return nil
}

// hangup reloads the settings store from the configured source.
func (s *Server) hangup() {
	if s.reload == nil {
		s.log.Info().Log("hangup received, nothing to reload")
		return
	}
	values, err := s.reload()
	if err != nil {
		s.log.Err().Err(err).Log("settings reload failed")
		return
	}
	changed := s.settings.SetConfig(values)
	s.metrics.Add("server.reloads", 1)
	s.log.Info().Int("changed", len(changed)).Any("keys", changed).Log("settings reloaded")
}

// report logs the metrics snapshot and the probe state, and lets the
// factory run maintenance that became due while idle.
func (s *Server) report(time.Time) error {
	b := s.log.Info()
	if b == nil {
		s.factory.RunMaintenance()
		return nil
	}
	state := s.probes.DumpState()
	names := make([]string, 0, len(state))
	for k := range state {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		b = b.Any(k, state[k])
	}
	b.Any("metrics", s.metrics.GetSnapshot()).Log("scheduler report")

	if n := s.factory.RunMaintenance(); n != 0 {
		s.log.Debug().Int("callbacks", n).Log("maintenance callbacks fired")
	}
	return nil
}
