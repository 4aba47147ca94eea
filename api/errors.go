// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-rest.

package api

import "fmt"

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeConfiguration
	ErrCodeResource
	ErrCodeRoutingMiss
	ErrCodeMalformedRequest
	ErrCodeRequestTooLarge
	ErrCodeHandlerFailed
	ErrCodeUnknownHandler
	ErrCodeUnknownTask
	ErrCodeSchedulerClosed
	ErrCodeQueueClosed
	ErrCodeInternal
)

// Sentinel errors, matched with errors.Is by code. Errors built with
// NewError and the same code match the sentinel regardless of context.
var (
	ErrConfiguration    = NewError(ErrCodeConfiguration, "configuration error")
	ErrResource         = NewError(ErrCodeResource, "resource error")
	ErrRoutingMiss      = NewError(ErrCodeRoutingMiss, "no route matches request")
	ErrMalformedRequest = NewError(ErrCodeMalformedRequest, "malformed request")
	ErrRequestTooLarge  = NewError(ErrCodeRequestTooLarge, "request exceeds size restrictions")
	ErrHandlerFailed    = NewError(ErrCodeHandlerFailed, "handler failed")
	ErrUnknownHandler   = NewError(ErrCodeUnknownHandler, "handler is not owned by this factory")
	ErrUnknownTask      = NewError(ErrCodeUnknownTask, "task is not registered")
	ErrSchedulerClosed  = NewError(ErrCodeSchedulerClosed, "scheduler is shutting down")
	ErrQueueClosed      = NewError(ErrCodeQueueClosed, "dispatcher queue is closed")
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Context) != 0 {
		msg = fmt.Sprintf("%s (context: %+v)", msg, e.Context)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap returns a copy of the sentinel-style error e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// WithContext returns a copy of e with the key/value added to its context.
// The receiver is never mutated, so sentinels stay shareable.
func (e *Error) WithContext(key string, value any) *Error {
	c := *e
	c.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		c.Context[k] = v
	}
	c.Context[key] = value
	return &c
}
