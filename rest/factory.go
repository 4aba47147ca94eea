// File: rest/factory.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HandlerFactory resolves requests to handlers and owns every handler it
// creates until DestroyHandler. Route tables, the active-handler count and
// the maintenance queue share one lock.

package rest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-rest/api"
	"github.com/momentics/hioload-rest/internal/logging"
)

// Constructor builds the handler for a matched route. data is the opaque
// value registered with the route.
type Constructor func(req *Request, data any) (api.Handler, error)

type route struct {
	path string
	ctor Constructor
	data any
}

// FactoryOption configures a HandlerFactory.
type FactoryOption func(*HandlerFactory)

// WithLogger sets the factory logger.
func WithLogger(l *logging.Logger) FactoryOption {
	return func(f *HandlerFactory) { f.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m api.Metrics) FactoryOption {
	return func(f *HandlerFactory) {
		if m != nil {
			f.metrics = m
		}
	}
}

// HandlerFactory is the path-indexed handler registry.
type HandlerFactory struct {
	maxHeader int
	maxBody   int
	log       *logging.Logger
	metrics   api.Metrics

	mu          sync.Mutex
	exact       map[string]route
	prefixes    []route
	notFound    Constructor
	live        map[api.Handler]struct{}
	active      int
	maintenance *queue.Queue
}

// NewHandlerFactory creates a factory with the given size limits, 0 meaning
// unlimited.
func NewHandlerFactory(maxHeaderBytes, maxBodyBytes int, opts ...FactoryOption) *HandlerFactory {
	f := &HandlerFactory{
		maxHeader:   max(maxHeaderBytes, 0),
		maxBody:     max(maxBodyBytes, 0),
		metrics:     api.NopMetrics{},
		exact:       make(map[string]route),
		live:        make(map[api.Handler]struct{}),
		maintenance: queue.New(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// SizeRestrictions returns the header and body limits, 0 meaning unlimited.
func (f *HandlerFactory) SizeRestrictions() (maxHeaderBytes, maxBodyBytes int) {
	return f.maxHeader, f.maxBody
}

// AddHandler registers or replaces the exact route for path.
func (f *HandlerFactory) AddHandler(path string, ctor Constructor, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exact[path] = route{path: path, ctor: ctor, data: data}
}

// AddPrefixHandler appends a prefix route.
func (f *HandlerFactory) AddPrefixHandler(path string, ctor Constructor, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, route{path: path, ctor: ctor, data: data})
}

// AddNotFoundHandler sets the fallback constructor.
func (f *HandlerFactory) AddNotFoundHandler(ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notFound = ctor
}

// CreateHandler resolves req by exact path, then longest prefix, then the
// not-found constructor. A miss returns api.ErrRoutingMiss and changes
// nothing.
func (f *HandlerFactory) CreateHandler(req *Request) (api.Handler, error) {
	path := req.Path()
	f.mu.Lock()
	r, suffix, ok := f.resolve(path)
	f.mu.Unlock()
	if !ok {
		f.metrics.Add("http.routing.miss", 1)
		return nil, api.ErrRoutingMiss.WithContext("path", path)
	}
	if suffix != nil {
		req.Prefix = r.path
		req.Suffix = suffix
	}

	h, err := construct(r, req)
	if err != nil {
		return nil, api.ErrHandlerFailed.WithContext("path", path).Wrap(err)
	}

	f.mu.Lock()
	f.live[h] = struct{}{}
	f.active++
	n := f.active
	f.mu.Unlock()

	f.metrics.Add("http.handlers.created", 1)
	f.metrics.Set("http.handlers.active", n)
	return h, nil
}

func construct(r route, req *Request) (h api.Handler, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			h, err = nil, fmt.Errorf("constructor panic: %v", rec)
		}
	}()
	h, err = r.ctor(req, r.data)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New("constructor returned no handler")
	}
	// handlers are tracked by identity
	if reflect.ValueOf(h).Kind() != reflect.Pointer {
		return nil, fmt.Errorf("constructor returned non-pointer handler %T", h)
	}
	return h, nil
}

// resolve must be called with f.mu held. suffix is non-nil only for prefix
// matches.
func (f *HandlerFactory) resolve(path string) (route, []string, bool) {
	if r, ok := f.exact[path]; ok {
		return r, nil, true
	}
	best := -1
	for i, r := range f.prefixes {
		// strict comparison keeps the first registered among equal lengths
		if prefixMatches(r.path, path) && (best < 0 || len(r.path) > len(f.prefixes[best].path)) {
			best = i
		}
	}
	if best >= 0 {
		r := f.prefixes[best]
		return r, splitSuffix(path[len(r.path):]), true
	}
	if f.notFound != nil {
		return route{ctor: f.notFound}, nil, true
	}
	return route{}, nil, false
}

// prefixMatches reports whether prefix covers path on a segment boundary.
func prefixMatches(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) ||
		strings.HasSuffix(prefix, "/") ||
		path[len(prefix)] == '/'
}

func splitSuffix(rest string) []string {
	out := []string{}
	for _, seg := range strings.Split(rest, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// DestroyHandler releases h. Handlers not owned by the factory are rejected
// with api.ErrUnknownHandler, so the active count never drops below zero.
// Reaching zero active handlers fires pending maintenance callbacks.
func (f *HandlerFactory) DestroyHandler(h api.Handler) error {
	if !f.claim(h) {
		return api.ErrUnknownHandler.WithContext("handler", fmt.Sprintf("%T", h))
	}
	f.release(h)
	return nil
}

func (f *HandlerFactory) owns(h api.Handler) bool {
	if h == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[h]
	return ok
}

// claim removes h from the live set. Only the caller that gets true may
// release it.
func (f *HandlerFactory) claim(h api.Handler) bool {
	if h == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[h]; !ok {
		return false
	}
	delete(f.live, h)
	return true
}

// release destroys a claimed handler and drops the active count. Reaching
// zero fires pending maintenance callbacks.
func (f *HandlerFactory) release(h api.Handler) {
	if d, ok := h.(api.Destroyer); ok {
		f.destroy(d)
	}

	f.mu.Lock()
	f.active--
	n := f.active
	var due []api.MaintenanceCallback
	if n == 0 {
		due = f.takeMaintenance()
	}
	f.mu.Unlock()

	f.metrics.Add("http.handlers.destroyed", 1)
	f.metrics.Set("http.handlers.active", n)
	f.fire(due)
}

func (f *HandlerFactory) destroy(d api.Destroyer) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Err().Str("panic", fmt.Sprint(r)).Log("handler destroy panicked")
		}
	}()
	d.Destroy()
}

// NumberActiveHandlers returns the number of live handlers.
func (f *HandlerFactory) NumberActiveHandlers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// AddMaintenanceCallback hands cb to the factory. It fires once, the next
// time the factory is idle.
func (f *HandlerFactory) AddMaintenanceCallback(cb api.MaintenanceCallback) {
	if cb == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maintenance.Add(cb)
}

// RunMaintenance fires pending callbacks if no handler is active and
// reports how many fired.
func (f *HandlerFactory) RunMaintenance() int {
	f.mu.Lock()
	var due []api.MaintenanceCallback
	if f.active == 0 {
		due = f.takeMaintenance()
	}
	f.mu.Unlock()
	f.fire(due)
	return len(due)
}

// takeMaintenance must be called with f.mu held.
func (f *HandlerFactory) takeMaintenance() []api.MaintenanceCallback {
	n := f.maintenance.Length()
	if n == 0 {
		return nil
	}
	due := make([]api.MaintenanceCallback, 0, n)
	for i := 0; i < n; i++ {
		due = append(due, f.maintenance.Remove().(api.MaintenanceCallback))
	}
	return due
}

func (f *HandlerFactory) fire(due []api.MaintenanceCallback) {
	for _, cb := range due {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.log.Err().Str("panic", fmt.Sprint(r)).Log("maintenance callback panicked")
				}
			}()
			cb.Completed()
		}()
	}
	if len(due) != 0 {
		f.metrics.Add("http.maintenance.fired", int64(len(due)))
	}
}
