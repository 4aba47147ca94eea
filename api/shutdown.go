// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// GracefulShutdown is the two-phase stop contract shared by the scheduler
// and the lifecycle controller.
type GracefulShutdown interface {
	// BeginShutdown signals intent to stop. Non-blocking and idempotent.
	BeginShutdown()
	// Shutdown blocks until every owned resource has been released.
	// Calling it again after it returned is a no-op.
	Shutdown() error
	// Wait blocks until the worker threads have joined.
	Wait() error
}
