// File: cmd/restd/routes.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-rest/rest"
	"github.com/momentics/hioload-rest/server"
)

// extensions registers the admin and echo routes.
type extensions struct {
	server.DefaultExtensions
	started time.Time
	srv     atomic.Pointer[server.Server]
}

func newExtensions(version string) *extensions {
	return &extensions{
		DefaultExtensions: server.DefaultExtensions{Version: "restd/" + version},
		started:           time.Now(),
	}
}

func (e *extensions) PrepareServer(s *server.Server) error {
	e.srv.Store(s)
	return nil
}

func (e *extensions) Handlers() []server.HandlerDescription {
	return []server.HandlerDescription{
		{
			Path:        "/_admin/version",
			Constructor: rest.NewFuncConstructor(e.version, rest.HandlerOptions{Direct: true}),
		},
		{
			Path:        "/_admin/status",
			Constructor: rest.NewFuncConstructor(e.status, rest.HandlerOptions{}),
		},
		{
			IsPrefix:    true,
			Path:        "/echo",
			Constructor: rest.NewFuncConstructor(echo, rest.HandlerOptions{}),
		},
	}
}

func (e *extensions) version(context.Context, *rest.Request, any) (*rest.Response, error) {
	return rest.JSONResponse(http.StatusOK, map[string]string{
		"server":  "restd",
		"version": e.ServerVersion(),
	})
}

func (e *extensions) status(context.Context, *rest.Request, any) (*rest.Response, error) {
	body := map[string]any{"uptime": time.Since(e.started).Round(time.Second).String()}
	if s := e.srv.Load(); s != nil {
		body["metrics"] = s.Metrics().GetSnapshot()
		body["probes"] = s.Probes().DumpState()
		body["settings"] = s.Settings().GetSnapshot()
	}
	return rest.JSONResponse(http.StatusOK, body)
}

// echo answers with the path below /echo and the request body.
func echo(_ context.Context, req *rest.Request, _ any) (*rest.Response, error) {
	return rest.JSONResponse(http.StatusOK, map[string]any{
		"method": req.Method(),
		"path":   req.SuffixPath(),
		"body":   string(req.Body),
		"id":     req.ID,
	})
}
