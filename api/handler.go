// File: api/handler.go
// Package api defines the Handler execution contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "context"

// Status is the completion status of a handler.
type Status int

const (
	// StatusPending means Execute has not returned yet.
	StatusPending Status = iota
	// StatusDone means the response is ready; the handler is destroyed.
	StatusDone
	// StatusRequeue means the handler must be resubmitted to the same queue.
	StatusRequeue
	// StatusFailed means HandleError runs, then the handler is destroyed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusRequeue:
		return "requeue"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// JobType classifies a handler for dispatcher fairness policies.
type JobType int

const (
	JobRead JobType = iota
	JobWrite
)

func (t JobType) String() string {
	if t == JobWrite {
		return "write"
	}
	return "read"
}

// StandardQueue is the default logical work queue.
const StandardQueue = "STANDARD"

// DispatcherThread identifies the worker that executes a handler.
type DispatcherThread interface {
	ID() int
	Queue() string
}

// Handler is the per-request unit of work.
//
// IsDirect must only report true when Execute never blocks: such handlers
// run inline on the I/O loop that received the request.
type Handler interface {
	IsDirect() bool
	Type() JobType
	Queue() string
	SetDispatcherThread(DispatcherThread)
	Execute(ctx context.Context) (Status, error)
	// HandleError is invoked once for a FAILED outcome and must not panic.
	HandleError(err error)
}

// Destroyer is implemented by handlers that release resources when the
// owning factory destroys them.
type Destroyer interface {
	Destroy()
}

// MaintenanceCallback is a one-shot deferred action owned by a factory.
type MaintenanceCallback interface {
	Completed()
}

// MaintenanceFunc adapts a function to MaintenanceCallback.
type MaintenanceFunc func()

// Completed calls f.
func (f MaintenanceFunc) Completed() { f() }
