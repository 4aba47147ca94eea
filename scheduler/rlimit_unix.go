// File: scheduler/rlimit_unix.go
//go:build linux || darwin

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rest/api"
	"github.com/momentics/hioload-rest/internal/logging"
)

func adjustFileDescriptors(minimum uint64, log *logging.Logger) error {
	if minimum == 0 {
		return nil
	}
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return api.ErrResource.WithContext("rlimit", "nofile").Wrap(err)
	}
	log.Debug().
		Uint64("soft", rl.Cur).
		Uint64("hard", rl.Max).
		Uint64("minimum", minimum).
		Log("file descriptor limits")
	if rl.Cur >= minimum {
		return nil
	}

	want := rl
	want.Cur = minimum
	if want.Max < minimum {
		want.Max = minimum
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &want); err != nil {
		// an unprivileged process may still raise the soft limit to the hard one
		if rl.Max < minimum {
			return api.ErrResource.
				WithContext("descriptor_minimum", minimum).
				WithContext("hard_limit", rl.Max).
				Wrap(err)
		}
		want.Max = rl.Max
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &want); err != nil {
			return api.ErrResource.WithContext("descriptor_minimum", minimum).Wrap(err)
		}
	}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return api.ErrResource.WithContext("rlimit", "nofile").Wrap(err)
	}
	if rl.Cur < minimum {
		return api.ErrResource.
			WithContext("descriptor_minimum", minimum).
			WithContext("soft_limit", rl.Cur)
	}
	log.Info().Uint64("soft", rl.Cur).Log("raised file descriptor limit")
	return nil
}
