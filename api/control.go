// File: api/control.go
// Package api defines the observability boundary.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Metrics receives counters and gauges from the scheduler, the handler
// factory and the dispatcher. Implementations must be safe for concurrent use.
type Metrics interface {
	Add(key string, delta int64)
	Set(key string, value any)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) Add(string, int64) {}
func (NopMetrics) Set(string, any)   {}
