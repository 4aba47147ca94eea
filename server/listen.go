//go:build unix

// File: server/listen.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listening socket task. The socket is opened and bound while the server
// is built so address errors abort startup; accepted connections are
// registered as tasks of their own and land on the least-loaded loop.

package server

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rest/api"
)

type listenTask struct {
	srv      *Server
	endpoint string
	fd       int
	addr     *net.TCPAddr
}

func (s *Server) openListener(endpoint string) (listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", endpoint)
	if err != nil {
		return nil, api.ErrConfiguration.WithContext("endpoint", endpoint).Wrap(err)
	}
	sa, domain := toSockaddr(addr)

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, api.ErrResource.WithContext("endpoint", endpoint).Wrap(err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, api.ErrResource.WithContext("endpoint", endpoint).Wrap(err)
	}
	if s.sched.AddressReuseAllowed() {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return nil, api.ErrResource.WithContext("endpoint", endpoint).Wrap(err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return nil, api.ErrResource.WithContext("endpoint", endpoint).Wrap(err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return nil, api.ErrResource.WithContext("endpoint", endpoint).Wrap(err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return nil, api.ErrResource.WithContext("endpoint", endpoint).Wrap(err)
	}
	ok = true
	return &listenTask{srv: s, endpoint: endpoint, fd: fd, addr: fromSockaddr(bound)}, nil
}

func toSockaddr(addr *net.TCPAddr) (unix.Sockaddr, int) {
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	if addr.Zone != "" {
		if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, unix.AF_INET6
}

func fromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	default:
		return &net.TCPAddr{}
	}
}

func (l *listenTask) Name() string         { return "listen " + l.endpoint }
func (l *listenTask) FD() int              { return l.fd }
func (l *listenTask) Events() api.IOEvents { return api.EventRead }
func (l *listenTask) Addr() net.Addr       { return l.addr }

func (l *listenTask) Setup(api.TaskContext) error {
	l.srv.log.Info().Str("endpoint", l.endpoint).Str("address", l.addr.String()).Log("listening")
	return nil
}

func (l *listenTask) Cleanup() { l.closeSocket() }

func (l *listenTask) closeSocket() {
	if l.fd < 0 {
		return
	}
	_ = unix.Close(l.fd)
	l.fd = -1
}

// HandleIO accepts until the backlog is empty.
func (l *listenTask) HandleIO(api.IOEvents) error {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return nil
		case unix.EMFILE, unix.ENFILE:
			l.srv.metrics.Add("http.accept.exhausted", 1)
			l.srv.log.Warning().Err(err).Str("endpoint", l.endpoint).Log("out of descriptors, cannot accept")
			return nil
		default:
			l.srv.log.Err().Err(err).Str("endpoint", l.endpoint).Log("accept failed")
			return nil
		}
		l.srv.accept(nfd, sa)
	}
}

func (s *Server) accept(fd int, sa unix.Sockaddr) {
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		s.log.Warning().Err(err).Log("cannot make connection non-blocking")
		return
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	peer := fromSockaddr(sa)
	c := &connTask{srv: s, fd: fd, peer: net.JoinHostPort(peer.IP.String(), strconv.Itoa(peer.Port))}
	if _, err := s.sched.RegisterTask(c); err != nil {
		_ = unix.Close(fd)
		s.log.Debug().Err(err).Str("peer", c.peer).Log("connection refused during shutdown")
		return
	}
	s.metrics.Add("http.accepted", 1)
}
