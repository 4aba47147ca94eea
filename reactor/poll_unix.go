//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly
// +build linux darwin freebsd netbsd openbsd dragonfly

// File: reactor/poll_unix.go
// Author: momentics <momentics@gmail.com>
//
// Portable poll(2) backend with a self-pipe wakeup.

package reactor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rest/api"
)

func init() {
	constructors[BackendPoll] = newPollPoller
}

type pollEntry struct {
	events api.IOEvents
	cb     Callback
}

// pollPoller implements Poller using poll(2). The PollFd slice is rebuilt
// lazily whenever the interest set changed.
type pollPoller struct {
	entries map[int]*pollEntry
	fds     []unix.PollFd
	dirty   bool
	wakeR   int
	wakeW   int

	mu     sync.Mutex // guards wakeW against Close
	closed bool
}

func newPollPoller() (Poller, error) {
	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	for _, fd := range pipe {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(pipe[0])
			_ = unix.Close(pipe[1])
			return nil, fmt.Errorf("wake pipe nonblock: %w", err)
		}
		unix.CloseOnExec(fd)
	}
	return &pollPoller{
		entries: make(map[int]*pollEntry),
		dirty:   true,
		wakeR:   pipe[0],
		wakeW:   pipe[1],
	}, nil
}

func toPoll(events api.IOEvents) int16 {
	var e int16
	if events&api.EventRead != 0 {
		e |= unix.POLLIN
	}
	if events&api.EventWrite != 0 {
		e |= unix.POLLOUT
	}
	return e
}

func fromPoll(e int16) api.IOEvents {
	var events api.IOEvents
	if e&unix.POLLIN != 0 {
		events |= api.EventRead
	}
	if e&unix.POLLOUT != 0 {
		events |= api.EventWrite
	}
	if e&(unix.POLLERR|unix.POLLNVAL) != 0 {
		events |= api.EventError
	}
	if e&unix.POLLHUP != 0 {
		events |= api.EventHangup
	}
	return events
}

func (p *pollPoller) Add(fd int, events api.IOEvents, cb Callback) error {
	if _, ok := p.entries[fd]; ok {
		return fmt.Errorf("poll add fd %d: already registered", fd)
	}
	p.entries[fd] = &pollEntry{events: events, cb: cb}
	p.dirty = true
	return nil
}

func (p *pollPoller) Modify(fd int, events api.IOEvents) error {
	e, ok := p.entries[fd]
	if !ok {
		return fmt.Errorf("poll modify fd %d: not registered", fd)
	}
	e.events = events
	p.dirty = true
	return nil
}

func (p *pollPoller) Remove(fd int) error {
	if _, ok := p.entries[fd]; ok {
		delete(p.entries, fd)
		p.dirty = true
	}
	return nil
}

func (p *pollPoller) rebuild() {
	keys := make([]int, 0, len(p.entries))
	for fd := range p.entries {
		keys = append(keys, fd)
	}
	sort.Ints(keys)
	p.fds = p.fds[:0]
	p.fds = append(p.fds, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	for _, fd := range keys {
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: toPoll(p.entries[fd].events)})
	}
	p.dirty = false
}

func (p *pollPoller) Wait(timeout time.Duration) (int, error) {
	if p.dirty {
		p.rebuild()
	}
	n, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	dispatched := 0
	for _, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}
		e, ok := p.entries[fd]
		if !ok {
			continue
		}
		e.cb(fd, fromPoll(pfd.Revents))
		dispatched++
	}
	return dispatched, nil
}

func (p *pollPoller) drainWake() {
	var buf [64]byte
	for {
		if _, err := unix.Read(p.wakeR, buf[:]); err != nil {
			return
		}
	}
}

func (p *pollPoller) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if _, err := unix.Write(p.wakeW, []byte{1}); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("wake pipe write: %w", err)
	}
	return nil
}

func (p *pollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.entries = nil
	_ = unix.Close(p.wakeW)
	return unix.Close(p.wakeR)
}
