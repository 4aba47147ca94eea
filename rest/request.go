// File: rest/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rest

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// Request is a parsed inbound request together with routing results.
type Request struct {
	// ID is a unique request id, also sent back as X-Request-Id.
	ID       string
	HTTP     *http.Request
	Body     []byte
	Received time.Time

	// Prefix is the matched prefix route, empty for exact or fallback routes.
	Prefix string
	// Suffix holds the path segments below Prefix.
	Suffix []string

	mu       sync.Mutex
	complete func(*Response)
}

// Method returns the request method.
func (r *Request) Method() string { return r.HTTP.Method }

// Path returns the URL path used for routing.
func (r *Request) Path() string {
	if r.HTTP.URL == nil {
		return "/"
	}
	if p := r.HTTP.URL.Path; p != "" {
		return p
	}
	return "/"
}

// Header returns the request headers.
func (r *Request) Header() http.Header { return r.HTTP.Header }

// SuffixPath joins Suffix back into a relative path.
func (r *Request) SuffixPath() string { return strings.Join(r.Suffix, "/") }

// OnComplete sets the function receiving the final response. It is called
// at most once, when the handler is finalised.
func (r *Request) OnComplete(fn func(*Response)) {
	r.mu.Lock()
	r.complete = fn
	r.mu.Unlock()
}

func (r *Request) finish(resp *Response) {
	r.mu.Lock()
	fn := r.complete
	r.complete = nil
	r.mu.Unlock()
	if fn != nil {
		fn(resp)
	}
}
