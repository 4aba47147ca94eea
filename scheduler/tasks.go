// File: scheduler/tasks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Function adapters for the common timer and signal task shapes.

package scheduler

import (
	"os"
	"time"

	"github.com/momentics/hioload-rest/api"
)

// TimerFunc returns a periodic task calling fn every interval.
func TimerFunc(name string, interval time.Duration, fn func(now time.Time) error) api.TimerTask {
	return &timerFunc{name: name, interval: interval, fn: fn}
}

type timerFunc struct {
	name     string
	interval time.Duration
	fn       func(time.Time) error
}

func (t *timerFunc) Name() string                    { return t.name }
func (t *timerFunc) Setup(api.TaskContext) error     { return nil }
func (t *timerFunc) Cleanup()                        {}
func (t *timerFunc) Interval() time.Duration         { return t.interval }
func (t *timerFunc) HandleTimer(now time.Time) error { return t.fn(now) }

// SignalFunc returns a task receiving sigs on its loop.
func SignalFunc(name string, fn func(sig os.Signal) error, sigs ...os.Signal) api.SignalTask {
	return &signalFunc{name: name, sigs: sigs, fn: fn}
}

type signalFunc struct {
	name string
	sigs []os.Signal
	fn   func(os.Signal) error
}

func (s *signalFunc) Name() string                     { return s.name }
func (s *signalFunc) Setup(api.TaskContext) error      { return nil }
func (s *signalFunc) Cleanup()                         {}
func (s *signalFunc) Signals() []os.Signal             { return s.sigs }
func (s *signalFunc) HandleSignal(sig os.Signal) error { return s.fn(sig) }
