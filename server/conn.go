//go:build unix

// File: server/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection task. Every field is owned by the loop the connection is bound
// to; handler completions reach it through Scheduler.Post.

package server

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rest/api"
	"github.com/momentics/hioload-rest/rest"
)

type connTask struct {
	srv  *Server
	fd   int
	peer string
	ctx  api.TaskContext

	in     []byte
	out    []byte
	events api.IOEvents

	busy    bool // a handler owns the current request
	eof     bool // the peer stopped sending
	closing bool // close once out is flushed
	closed  bool
}

func (c *connTask) Name() string         { return "conn " + c.peer }
func (c *connTask) FD() int              { return c.fd }
func (c *connTask) Events() api.IOEvents { return api.EventRead }

func (c *connTask) Setup(ctx api.TaskContext) error {
	c.ctx = ctx
	c.events = api.EventRead
	c.srv.metrics.Add("http.connections", 1)
	return nil
}

func (c *connTask) Cleanup() {
	c.closed = true
	_ = unix.Close(c.fd)
	c.srv.metrics.Add("http.connections", -1)
}

func (c *connTask) HandleIO(ev api.IOEvents) error {
	// read interest is off while busy, so a hangup then means the peer is gone
	if ev&api.EventError != 0 || (ev&api.EventHangup != 0 && (c.eof || c.busy)) {
		c.drop(nil)
		return nil
	}
	if ev&(api.EventRead|api.EventHangup) != 0 {
		if err := c.read(); err != nil {
			c.drop(err)
			return nil
		}
	}
	c.flush()
	return nil
}

// read frames input one buffer at a time and stops once a handler owns the
// connection. Unread bytes stay in the kernel until the response is out.
func (c *connTask) read() error {
	buf := c.srv.buffers.Get()
	defer c.srv.buffers.Put(buf)
	for !c.eof && !c.busy && !c.closing {
		n, err := unix.Read(c.fd, buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil
		case err != nil:
			return err
		case n == 0:
			c.eof = true
			return nil
		}
		c.in = append(c.in, buf[:n]...)
		c.process()
	}
	return nil
}

// process serves buffered requests one at a time until a handler is busy.
func (c *connTask) process() {
	for !c.busy && !c.closing && len(c.in) > 0 {
		n, err := c.srv.factory.Frame(c.in)
		if err != nil {
			c.reject(err)
			return
		}
		if n == 0 {
			return
		}
		raw := c.in[:n:n]
		c.in = c.in[n:]
		c.serve(raw)
	}
	if len(c.in) == 0 {
		c.in = nil
	}
}

func (c *connTask) serve(raw []byte) {
	f := c.srv.factory
	req, err := f.CreateRequest(raw)
	if err != nil {
		c.reject(err)
		return
	}
	c.srv.metrics.Add("http.requests", 1)
	keepAlive := !req.HTTP.Close

	h, err := f.CreateHandler(req)
	if err != nil {
		if errors.Is(err, api.ErrRoutingMiss) {
			c.enqueue(req, rest.ErrorResponse(http.StatusNotFound), keepAlive)
			return
		}
		c.srv.log.Warning().Err(err).Str("path", req.Path()).Log("cannot create handler")
		c.enqueue(req, rest.ErrorResponse(http.StatusInternalServerError), keepAlive)
		return
	}
	// only response handlers can answer the connection
	if rh, ok := h.(rest.ResponseHandler); !ok || rh.Request() != req {
		c.srv.log.Err().Str("path", req.Path()).Str("handler", fmt.Sprintf("%T", h)).Log("handler is not bound to the request")
		_ = f.DestroyHandler(h)
		c.enqueue(req, rest.ErrorResponse(http.StatusInternalServerError), keepAlive)
		return
	}

	c.busy = true
	id := c.ctx.ID()
	req.OnComplete(func(resp *rest.Response) {
		err := c.srv.sched.Post(id, func() { c.deliver(req, resp, keepAlive) })
		if err != nil {
			c.srv.metrics.Add("http.responses.dropped", 1)
		}
	})
	if err := c.srv.disp.Dispatch(h); err != nil {
		f.Finalize(h, api.StatusFailed, err)
	}
}

func (c *connTask) deliver(req *rest.Request, resp *rest.Response, keepAlive bool) {
	if c.closed {
		return
	}
	c.busy = false
	c.enqueue(req, resp, keepAlive)
	c.process()
	c.flush()
}

// reject answers input that never became a request and closes.
func (c *connTask) reject(err error) {
	status := http.StatusBadRequest
	switch rest.LimitOf(err) {
	case rest.LimitHeader:
		status = http.StatusRequestHeaderFieldsTooLarge
	case rest.LimitBody:
		status = http.StatusRequestEntityTooLarge
	}
	c.srv.metrics.Add("http.rejected", 1)
	c.srv.log.Debug().Err(err).Str("peer", c.peer).Int("status", status).Log("request rejected")
	c.in = nil
	c.enqueue(nil, rest.ErrorResponse(status), false)
}

func (c *connTask) enqueue(req *rest.Request, resp *rest.Response, keepAlive bool) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set("Server", c.srv.ext.ServerVersion())
	if req != nil {
		resp.Header.Set("X-Request-Id", req.ID)
	}
	b, err := resp.Encode(keepAlive)
	if err != nil {
		c.srv.log.Err().Err(err).Log("cannot encode response")
		keepAlive = false
		b, _ = rest.ErrorResponse(http.StatusInternalServerError).Encode(false)
	}
	c.out = append(c.out, b...)
	if !keepAlive {
		c.closing = true
	}
	c.srv.metrics.Add("http.responses", 1)
}

func (c *connTask) flush() {
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			c.drop(err)
			return
		}
		c.out = c.out[n:]
	}
	if len(c.out) == 0 {
		c.out = nil
		if c.closing || (c.eof && !c.busy) {
			c.ctx.Deregister()
			return
		}
	}
	c.watch()
}

// watch keeps the poller interest in line with the connection state.
func (c *connTask) watch() {
	var ev api.IOEvents
	if !c.eof && !c.closing && !c.busy {
		ev |= api.EventRead
	}
	if len(c.out) > 0 {
		ev |= api.EventWrite
	}
	if ev == c.events {
		return
	}
	if err := c.ctx.SetEvents(ev); err != nil {
		c.drop(err)
		return
	}
	c.events = ev
}

func (c *connTask) drop(err error) {
	if err != nil {
		c.srv.log.Debug().Err(err).Str("peer", c.peer).Log("connection dropped")
	}
	c.eof, c.closing = true, true
	c.out = nil
	c.ctx.Deregister()
}
