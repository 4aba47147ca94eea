//go:build linux
// +build linux

// File: reactor/epoll_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) backend with an eventfd wakeup.

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rest/api"
)

func init() {
	constructors[BackendEpoll] = newEpollPoller
}

// epollPoller implements Poller using Linux epoll.
type epollPoller struct {
	epfd      int
	wakefd    int
	events    [128]unix.EpollEvent
	callbacks map[int]Callback

	mu     sync.Mutex // guards wakefd against Close
	closed bool
}

func newEpollPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakefd: %w", err)
	}
	return &epollPoller{
		epfd:      epfd,
		wakefd:    wakefd,
		callbacks: make(map[int]Callback),
	}, nil
}

func toEpoll(events api.IOEvents) uint32 {
	var e uint32
	if events&api.EventRead != 0 {
		e |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&api.EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) api.IOEvents {
	var events api.IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= api.EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= api.EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= api.EventError
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= api.EventHangup
	}
	return events
}

// Add registers fd with the epoll interest list.
func (p *epollPoller) Add(fd int, events api.IOEvents, cb Callback) error {
	if _, ok := p.callbacks[fd]; ok {
		return fmt.Errorf("epoll add fd %d: already registered", fd)
	}
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	p.callbacks[fd] = cb
	return nil
}

// Modify replaces the interest set of fd.
func (p *epollPoller) Modify(fd int, events api.IOEvents) error {
	if _, ok := p.callbacks[fd]; !ok {
		return fmt.Errorf("epoll modify fd %d: not registered", fd)
	}
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Remove drops fd from the epoll watch list.
func (p *epollPoller) Remove(fd int) error {
	if _, ok := p.callbacks[fd]; !ok {
		return nil
	}
	delete(p.callbacks, fd)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.EBADF && err != unix.ENOENT {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Wait blocks and dispatches ready descriptors.
func (p *epollPoller) Wait(timeout time.Duration) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events[:], timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		// a previous callback in this batch may have removed fd
		cb, ok := p.callbacks[fd]
		if !ok {
			continue
		}
		cb(fd, fromEpoll(p.events[i].Events))
		dispatched++
	}
	return dispatched, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Wake increments the eventfd counter.
func (p *epollPoller) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Close releases the epoll and eventfd descriptors.
func (p *epollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.callbacks = nil
	_ = unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
