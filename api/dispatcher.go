// File: api/dispatcher.go
// Package api defines the dispatcher boundary.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Dispatcher accepts handlers that are not direct and executes them on its
// own worker threads, selecting a queue by Handler.Queue and Handler.Type.
type Dispatcher interface {
	Submit(h Handler) error
}
