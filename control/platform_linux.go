//go:build linux

// File: control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific platform probes.

package control

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// RegisterPlatformProbes adds CPU, goroutine and descriptor limit probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("runtime.goroutines", func() any {
		return runtime.NumGoroutine()
	})
	dp.RegisterProbe("process.nofile", func() any {
		var rl unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
			return err.Error()
		}
		return rl.Cur
	})
}
