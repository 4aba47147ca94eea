// File: server/extensions.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Extensions is the application hook consulted while the server is built.

package server

import (
	"context"
	"net/http"

	"github.com/momentics/hioload-rest/rest"
)

// HandlerDescription is one route contributed by the application.
type HandlerDescription struct {
	IsPrefix    bool
	Path        string
	Constructor rest.Constructor
	Data        any
}

// Extensions customises a server.
type Extensions interface {
	// AllowMultiScheduler reports whether more than one scheduler thread
	// may run.
	AllowMultiScheduler() bool
	// ServerVersion is sent in the Server response header.
	ServerVersion() string
	// Handlers lists the routes to register.
	Handlers() []HandlerDescription
	// NotFoundHandler builds handlers for unrouted paths. nil answers 404
	// from the connection.
	NotFoundHandler() rest.Constructor
	// SizeRestrictions returns the header and body limits given the
	// configured ones.
	SizeRestrictions(cfg HTTPConfig) (maxHeaderBytes, maxBodyBytes int)
	// PrepareServer runs once the server is built, before the scheduler
	// starts.
	PrepareServer(s *Server) error
}

// DefaultExtensions registers no routes and answers 404 for everything.
// Embed it to override selected hooks.
type DefaultExtensions struct {
	Version string
}

var _ Extensions = DefaultExtensions{}

func (DefaultExtensions) AllowMultiScheduler() bool { return true }

func (d DefaultExtensions) ServerVersion() string {
	if d.Version == "" {
		return "hioload-rest"
	}
	return d.Version
}

func (DefaultExtensions) Handlers() []HandlerDescription { return nil }

func (DefaultExtensions) NotFoundHandler() rest.Constructor {
	return rest.NewFuncConstructor(func(context.Context, *rest.Request, any) (*rest.Response, error) {
		return rest.ErrorResponse(http.StatusNotFound), nil
	}, rest.HandlerOptions{Direct: true})
}

func (DefaultExtensions) SizeRestrictions(cfg HTTPConfig) (int, int) {
	return cfg.MaxHeaderBytes, cfg.MaxBodyBytes
}

func (DefaultExtensions) PrepareServer(*Server) error { return nil }
