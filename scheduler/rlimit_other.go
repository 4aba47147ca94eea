// File: scheduler/rlimit_other.go
//go:build !linux && !darwin

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler

import "github.com/momentics/hioload-rest/internal/logging"

func adjustFileDescriptors(minimum uint64, log *logging.Logger) error {
	if minimum != 0 {
		log.Warning().Uint64("minimum", minimum).Log("descriptor limits cannot be adjusted on this platform")
	}
	return nil
}
