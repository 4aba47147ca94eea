// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime metrics collector fed by the scheduler, the handler factory and the
// dispatcher. Counters and gauges share one thread-safe map.

package control

import (
	"sync"
	"time"

	"github.com/momentics/hioload-rest/api"
)

// MetricsRegistry holds counters and gauges.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time
}

var _ api.Metrics = (*MetricsRegistry)(nil)

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
	}
}

// Set sets or updates a gauge.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Add adds delta to an int64 counter. A key previously Set to a non-counter
// value is replaced.
func (mr *MetricsRegistry) Add(key string, delta int64) {
	mr.mu.Lock()
	cur, _ := mr.metrics[key].(int64)
	mr.metrics[key] = cur + delta
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Counter returns the value of an int64 counter.
func (mr *MetricsRegistry) Counter(key string) int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	v, _ := mr.metrics[key].(int64)
	return v
}

// Updated returns the time of the last change.
func (mr *MetricsRegistry) Updated() time.Time {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.updated
}

// GetSnapshot returns the latest metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}
