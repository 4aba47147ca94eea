// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Package reactor provides the readiness-polling backends that drive the
// scheduler loops. A Poller is owned by exactly one loop goroutine; only
// Wake may be called from other goroutines.

package reactor

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-rest/api"
)

// Backend selects the I/O readiness mechanism. Values follow libev's
// numbering so existing scheduler.backend settings keep their meaning.
type Backend uint32

const (
	BackendAuto  Backend = 0
	BackendPoll  Backend = 2
	BackendEpoll Backend = 4
)

func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendPoll:
		return "poll"
	case BackendEpoll:
		return "epoll"
	default:
		return fmt.Sprintf("backend(%d)", uint32(b))
	}
}

// Callback is invoked on the polling goroutine for every ready descriptor.
type Callback func(fd int, events api.IOEvents)

// Poller multiplexes descriptor readiness for one loop.
type Poller interface {
	Add(fd int, events api.IOEvents, cb Callback) error
	Modify(fd int, events api.IOEvents) error
	Remove(fd int) error
	// Wait blocks for at most timeout (negative blocks until an event or a
	// Wake) and dispatches callbacks. It returns the number dispatched.
	Wait(timeout time.Duration) (int, error)
	// Wake interrupts a blocked Wait. Safe for concurrent use.
	Wake() error
	Close() error
}

// constructors is filled by the platform files.
var constructors = map[Backend]func() (Poller, error){}

// Available lists the backends compiled in for this platform.
func Available() []Backend {
	var out []Backend
	for _, b := range []Backend{BackendEpoll, BackendPoll} {
		if _, ok := constructors[b]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Resolve maps a configured backend id to a concrete backend, picking the
// best available one for BackendAuto.
func Resolve(id uint32) (Backend, error) {
	b := Backend(id)
	if b == BackendAuto {
		avail := Available()
		if len(avail) == 0 {
			return 0, api.ErrConfiguration.WithContext("scheduler.backend", b.String()).
				Wrap(fmt.Errorf("no readiness backend available on this platform"))
		}
		return avail[0], nil
	}
	if _, ok := constructors[b]; !ok {
		return 0, api.ErrConfiguration.WithContext("scheduler.backend", id).
			Wrap(fmt.Errorf("unsupported backend %s", b))
	}
	return b, nil
}

// New creates a poller for the given backend id.
func New(id uint32) (Poller, error) {
	b, err := Resolve(id)
	if err != nil {
		return nil, err
	}
	return constructors[b]()
}

// timeoutMillis rounds up so a short timeout never degrades into a busy loop.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
