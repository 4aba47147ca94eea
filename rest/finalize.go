// File: rest/finalize.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outcome handling for executed handlers:
//
//	DONE    -> completion, destroy
//	FAILED  -> HandleError, completion (500 when no response), destroy
//	REQUEUE -> nothing; the caller resubmits to the same queue

package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/momentics/hioload-rest/api"
)

// Execute runs h.Execute, converting a panic or a returned error into
// StatusFailed.
func Execute(ctx context.Context, h api.Handler) (status api.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = api.StatusFailed
			err = api.ErrHandlerFailed.Wrap(fmt.Errorf("execute panic: %v", r))
		}
	}()
	status, err = h.Execute(ctx)
	if err != nil {
		status = api.StatusFailed
	}
	return status, err
}

// Run executes h and finalises its outcome. It reports whether h must be
// resubmitted to the queue it came from.
func Run(ctx context.Context, f *HandlerFactory, h api.Handler) bool {
	status, err := Execute(ctx, h)
	return f.Finalize(h, status, err)
}

// Finalize applies the outcome of one Execute call. A handler is destroyed
// exactly once, on DONE or FAILED; REQUEUE returns true and keeps it alive.
func (f *HandlerFactory) Finalize(h api.Handler, status api.Status, err error) (requeue bool) {
	if status == api.StatusRequeue {
		if !f.owns(h) {
			f.log.Err().Str("handler", fmt.Sprintf("%T", h)).Log("requeue of unknown handler")
			return false
		}
		f.metrics.Add("http.handlers.requeued", 1)
		return true
	}
	// only the first DONE or FAILED outcome reaches the handler
	if !f.claim(h) {
		f.log.Err().Str("handler", fmt.Sprintf("%T", h)).Log("finalize of unknown handler")
		return false
	}
	if status == api.StatusDone {
		f.complete(h, false)
	} else {
		if err == nil {
			err = api.ErrHandlerFailed.WithContext("status", status.String()).
				Wrap(errors.New("handler finished without a final status"))
		}
		f.log.Warning().Err(err).Str("handler", fmt.Sprintf("%T", h)).Log("handler failed")
		f.metrics.Add("http.handlers.failed", 1)
		f.handleError(h, err)
		f.complete(h, true)
	}
	f.release(h)
	return false
}

func (f *HandlerFactory) handleError(h api.Handler, err error) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Err().Str("panic", fmt.Sprint(r)).Log("HandleError panicked")
		}
	}()
	h.HandleError(err)
}

func (f *HandlerFactory) complete(h api.Handler, failed bool) {
	rh, ok := h.(ResponseHandler)
	if !ok || rh.Request() == nil {
		return
	}
	resp := rh.Response()
	switch {
	case resp == nil && failed:
		resp = ErrorResponse(http.StatusInternalServerError)
	case resp == nil:
		resp = NewResponse(http.StatusNoContent)
	}
	rh.Request().finish(resp)
}
