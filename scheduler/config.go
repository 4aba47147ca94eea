// File: scheduler/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler

import "time"

// Config carries the scheduler options resolved by the lifecycle controller.
type Config struct {
	Threads               int           // requested loop threads, at least 1
	Backend               uint32        // readiness backend id, see reactor.Backend
	MultiSchedulerAllowed bool          // false clamps Threads to 1
	ReportInterval        time.Duration // shutdown progress log period
	DescriptorMinimum     uint64        // 0 skips descriptor limit adjustment
	ReuseAddress          bool          // SO_REUSEADDR on listening sockets
	PinThreads            bool          // bind loop i to CPU i mod NumCPU
}

// DefaultConfig returns a single-threaded scheduler on the best backend.
func DefaultConfig() Config {
	return Config{
		Threads:               1,
		Backend:               0,
		MultiSchedulerAllowed: true,
		ReportInterval:        60 * time.Second,
		ReuseAddress:          true,
	}
}
