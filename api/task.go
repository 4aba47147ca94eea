// File: api/task.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Task contracts: units of schedulable readiness (socket I/O, timer, OS signal)
// bound to exactly one scheduler loop for their whole life.

package api

import (
	"os"
	"time"
)

// TaskID is the handle under which a scheduler tracks a registered task.
// Zero is never a valid id.
type TaskID uint64

// TaskKind enumerates the readiness sources a task can wait on.
type TaskKind int

const (
	TaskSocket TaskKind = iota
	TaskTimer
	TaskSignal
)

func (k TaskKind) String() string {
	switch k {
	case TaskSocket:
		return "socket"
	case TaskTimer:
		return "timer"
	case TaskSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// TaskState is the lifecycle state of a registered task.
type TaskState int32

const (
	TaskRegistered TaskState = iota
	TaskActive
	TaskDeregistered
)

func (s TaskState) String() string {
	switch s {
	case TaskRegistered:
		return "registered"
	case TaskActive:
		return "active"
	default:
		return "deregistered"
	}
}

// IOEvents is a bit set of descriptor readiness conditions.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// TaskContext is handed to a task on its owning loop. It must not be
// retained by other goroutines.
type TaskContext interface {
	// ID is the task's handle.
	ID() TaskID
	// LoopID is the index of the owning loop.
	LoopID() int
	// SetEvents changes the interest set of a socket task.
	SetEvents(events IOEvents) error
	// Deregister removes the task after the current callback returns.
	Deregister()
}

// Task is the common part of every schedulable task. Setup and Cleanup
// run on the owning loop.
type Task interface {
	Name() string
	Setup(ctx TaskContext) error
	Cleanup()
}

// SocketTask waits for readiness on a file descriptor.
type SocketTask interface {
	Task
	FD() int
	Events() IOEvents
	HandleIO(events IOEvents) error
}

// TimerTask fires every Interval.
type TimerTask interface {
	Task
	Interval() time.Duration
	HandleTimer(now time.Time) error
}

// SignalTask receives OS signals serialised through its loop.
type SignalTask interface {
	Task
	Signals() []os.Signal
	HandleSignal(sig os.Signal) error
}

// KindOf reports which readiness source t waits on.
func KindOf(t Task) (TaskKind, bool) {
	switch t.(type) {
	case SocketTask:
		return TaskSocket, true
	case TimerTask:
		return TaskTimer, true
	case SignalTask:
		return TaskSignal, true
	default:
		return 0, false
	}
}
