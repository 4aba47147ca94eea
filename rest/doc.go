// File: rest/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package rest contains the HTTP handler factory, the request and response
// values handed to handlers, and the handler outcome state machine.
package rest
