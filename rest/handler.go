// File: rest/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Embeddable handler bases supplying the default contract answers.

package rest

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/momentics/hioload-rest/api"
)

// BaseHandler answers READ, "STANDARD", not direct, and records the
// dispatcher thread. Embed it and implement Execute and HandleError.
type BaseHandler struct {
	thread atomic.Value // threadRef
}

type threadRef struct{ t api.DispatcherThread }

func (b *BaseHandler) IsDirect() bool    { return false }
func (b *BaseHandler) Type() api.JobType { return api.JobRead }
func (b *BaseHandler) Queue() string     { return api.StandardQueue }

func (b *BaseHandler) SetDispatcherThread(t api.DispatcherThread) {
	b.thread.Store(threadRef{t})
}

// DispatcherThread returns the worker recorded by SetDispatcherThread, or
// nil for a handler that ran inline.
func (b *BaseHandler) DispatcherThread() api.DispatcherThread {
	ref, _ := b.thread.Load().(threadRef)
	return ref.t
}

// ResponseHandler is a handler bound to a request that produces a response.
type ResponseHandler interface {
	api.Handler
	Request() *Request
	Response() *Response
}

// HTTPHandler is the base for request handlers.
type HTTPHandler struct {
	BaseHandler
	req  *Request
	resp *Response
}

// NewHTTPHandler binds a handler base to req.
func NewHTTPHandler(req *Request) HTTPHandler {
	return HTTPHandler{req: req}
}

func (h *HTTPHandler) Request() *Request       { return h.req }
func (h *HTTPHandler) Response() *Response     { return h.resp }
func (h *HTTPHandler) SetResponse(r *Response) { h.resp = r }

// HandleError replaces any partial response with a 500.
func (h *HTTPHandler) HandleError(error) {
	h.resp = ErrorResponse(http.StatusInternalServerError)
}

// ExecuteFunc produces the response for a request.
type ExecuteFunc func(ctx context.Context, req *Request, data any) (*Response, error)

// HandlerOptions tune handlers built by NewFuncConstructor.
type HandlerOptions struct {
	Direct bool
	Type   api.JobType
	Queue  string
}

// NewFuncConstructor adapts fn to a route constructor.
func NewFuncConstructor(fn ExecuteFunc, opts HandlerOptions) Constructor {
	if opts.Queue == "" {
		opts.Queue = api.StandardQueue
	}
	return func(req *Request, data any) (api.Handler, error) {
		return &funcHandler{HTTPHandler: NewHTTPHandler(req), fn: fn, data: data, opts: opts}, nil
	}
}

type funcHandler struct {
	HTTPHandler
	fn   ExecuteFunc
	data any
	opts HandlerOptions
}

func (h *funcHandler) IsDirect() bool    { return h.opts.Direct }
func (h *funcHandler) Type() api.JobType { return h.opts.Type }
func (h *funcHandler) Queue() string     { return h.opts.Queue }

func (h *funcHandler) Execute(ctx context.Context) (api.Status, error) {
	resp, err := h.fn(ctx, h.req, h.data)
	if err != nil {
		return api.StatusFailed, err
	}
	if resp == nil {
		resp = NewResponse(http.StatusNoContent)
	}
	h.resp = resp
	return api.StatusDone, nil
}
