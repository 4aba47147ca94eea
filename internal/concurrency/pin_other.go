// File: internal/concurrency/pin_other.go
//go:build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "runtime"

// PinCurrentThread locks the calling goroutine to its OS thread. CPU
// affinity is not applied on this platform.
func PinCurrentThread(cpu int) error {
	runtime.LockOSThread()
	return nil
}
