package rest_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rest/api"
	"github.com/momentics/hioload-rest/rest"
)

// stubHandler records how the factory treats it.
type stubHandler struct {
	rest.HTTPHandler
	name      string
	status    api.Status
	err       error
	panicMsg  string
	destroyed atomic.Int32
	errors    atomic.Int32
}

func (h *stubHandler) Execute(context.Context) (api.Status, error) {
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	return h.status, h.err
}

func (h *stubHandler) HandleError(err error) {
	h.errors.Add(1)
	h.HTTPHandler.HandleError(err)
}

func (h *stubHandler) Destroy() { h.destroyed.Add(1) }

func named(name string) rest.Constructor {
	return func(req *rest.Request, data any) (api.Handler, error) {
		return &stubHandler{HTTPHandler: rest.NewHTTPHandler(req), name: name, status: api.StatusDone}, nil
	}
}

func request(t *testing.T, f *rest.HandlerFactory, path string) *rest.Request {
	t.Helper()
	req, err := f.CreateRequest([]byte("GET " + path + " HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	return req
}

func nameOf(t *testing.T, h api.Handler) string {
	t.Helper()
	sh, ok := h.(*stubHandler)
	require.True(t, ok)
	return sh.name
}

func TestExactRouteIncrementsCounter(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	f.AddHandler("/_api/version", named("version"), nil)

	h, err := f.CreateHandler(request(t, f, "/_api/version"))
	require.NoError(t, err)
	assert.Equal(t, "version", nameOf(t, h))
	assert.Equal(t, 1, f.NumberActiveHandlers())
}

func TestExactRouteLastRegistrationWins(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	f.AddHandler("/x", named("first"), nil)
	f.AddHandler("/x", named("second"), nil)
	h, err := f.CreateHandler(request(t, f, "/x"))
	require.NoError(t, err)
	assert.Equal(t, "second", nameOf(t, h))
}

func TestLongestPrefixWins(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	f.AddPrefixHandler("/a", named("a"), nil)
	f.AddPrefixHandler("/a/b", named("ab"), nil)

	req := request(t, f, "/a/b/c")
	h, err := f.CreateHandler(req)
	require.NoError(t, err)
	assert.Equal(t, "ab", nameOf(t, h))
	assert.Equal(t, "/a/b", req.Prefix)
	assert.Equal(t, []string{"c"}, req.Suffix)

	h, err = f.CreateHandler(request(t, f, "/a/bc"))
	require.NoError(t, err)
	assert.Equal(t, "a", nameOf(t, h), "prefixes match on segment boundaries")
}

func TestEqualPrefixFirstRegisteredWins(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	f.AddPrefixHandler("/p", named("first"), nil)
	f.AddPrefixHandler("/p", named("second"), nil)
	h, err := f.CreateHandler(request(t, f, "/p/q"))
	require.NoError(t, err)
	assert.Equal(t, "first", nameOf(t, h))
}

func TestExactBeatsPrefix(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	f.AddPrefixHandler("/", named("root"), nil)
	f.AddHandler("/status", named("status"), nil)
	h, err := f.CreateHandler(request(t, f, "/status"))
	require.NoError(t, err)
	assert.Equal(t, "status", nameOf(t, h))

	req := request(t, f, "/other/thing")
	h, err = f.CreateHandler(req)
	require.NoError(t, err)
	assert.Equal(t, "root", nameOf(t, h))
	assert.Equal(t, "other/thing", req.SuffixPath())
}

func TestNotFoundFallbackAndMiss(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	_, err := f.CreateHandler(request(t, f, "/zzz"))
	assert.ErrorIs(t, err, api.ErrRoutingMiss)
	assert.Equal(t, 0, f.NumberActiveHandlers())

	f.AddNotFoundHandler(named("missing"))
	h, err := f.CreateHandler(request(t, f, "/zzz"))
	require.NoError(t, err)
	assert.Equal(t, "missing", nameOf(t, h))
	assert.Equal(t, 1, f.NumberActiveHandlers())
}

func TestConstructorFailureLeavesCounter(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	f.AddHandler("/err", func(*rest.Request, any) (api.Handler, error) { return nil, errors.New("no") }, nil)
	f.AddHandler("/nil", func(*rest.Request, any) (api.Handler, error) { return nil, nil }, nil)
	f.AddHandler("/panic", func(*rest.Request, any) (api.Handler, error) { panic("ctor") }, nil)

	for _, p := range []string{"/err", "/nil", "/panic"} {
		_, err := f.CreateHandler(request(t, f, p))
		assert.ErrorIs(t, err, api.ErrHandlerFailed, p)
	}
	assert.Equal(t, 0, f.NumberActiveHandlers())
}

func TestConstructorReceivesRouteData(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	var got any
	f.AddHandler("/d", func(req *rest.Request, data any) (api.Handler, error) {
		got = data
		return &stubHandler{HTTPHandler: rest.NewHTTPHandler(req)}, nil
	}, 42)
	_, err := f.CreateHandler(request(t, f, "/d"))
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestCounterNeverNegative(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	f.AddPrefixHandler("/", named("any"), nil)

	var wg sync.WaitGroup
	handlers := make(chan api.Handler, 1000)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				if rng.Intn(2) == 0 {
					h, err := f.CreateHandler(request(t, f, fmt.Sprintf("/r/%d", i)))
					if err == nil {
						select {
						case handlers <- h:
						default:
							_ = f.DestroyHandler(h)
						}
					}
				} else {
					select {
					case h := <-handlers:
						assert.NoError(t, f.DestroyHandler(h))
						// a second destroy must be rejected
						assert.ErrorIs(t, f.DestroyHandler(h), api.ErrUnknownHandler)
					default:
					}
				}
				assert.GreaterOrEqual(t, f.NumberActiveHandlers(), 0)
			}
		}(int64(g))
	}
	wg.Wait()
	close(handlers)
	for h := range handlers {
		require.NoError(t, f.DestroyHandler(h))
	}
	assert.Equal(t, 0, f.NumberActiveHandlers())
}

func TestDestroyUnknownHandler(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	assert.ErrorIs(t, f.DestroyHandler(&stubHandler{}), api.ErrUnknownHandler)
	assert.ErrorIs(t, f.DestroyHandler(nil), api.ErrUnknownHandler)
	assert.Equal(t, 0, f.NumberActiveHandlers())
}

func TestMaintenanceFiresExactlyOnce(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	f.AddHandler("/m", named("m"), nil)

	var fired atomic.Int32
	h, err := f.CreateHandler(request(t, f, "/m"))
	require.NoError(t, err)
	f.AddMaintenanceCallback(api.MaintenanceFunc(func() { fired.Add(1) }))

	assert.Equal(t, 0, f.RunMaintenance(), "handlers still active")
	assert.EqualValues(t, 0, fired.Load())

	require.NoError(t, f.DestroyHandler(h))
	assert.EqualValues(t, 1, fired.Load())

	for i := 0; i < 3; i++ {
		h, err := f.CreateHandler(request(t, f, "/m"))
		require.NoError(t, err)
		require.NoError(t, f.DestroyHandler(h))
		f.RunMaintenance()
	}
	assert.EqualValues(t, 1, fired.Load())
}

func TestMaintenanceWhenIdle(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	var fired atomic.Int32
	f.AddMaintenanceCallback(api.MaintenanceFunc(func() { panic("ignored") }))
	f.AddMaintenanceCallback(api.MaintenanceFunc(func() { fired.Add(1) }))
	assert.Equal(t, 2, f.RunMaintenance())
	assert.Equal(t, 0, f.RunMaintenance())
	assert.EqualValues(t, 1, fired.Load())
}

func TestOutcomeContract(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	var current *stubHandler
	f.AddHandler("/o", func(req *rest.Request, _ any) (api.Handler, error) {
		current = &stubHandler{HTTPHandler: rest.NewHTTPHandler(req)}
		return current, nil
	}, nil)

	t.Run("requeue keeps handler", func(t *testing.T) {
		h, err := f.CreateHandler(request(t, f, "/o"))
		require.NoError(t, err)
		current.status = api.StatusRequeue
		for i := 0; i < 3; i++ {
			assert.True(t, rest.Run(context.Background(), f, h))
		}
		assert.EqualValues(t, 0, current.destroyed.Load())
		assert.Equal(t, 1, f.NumberActiveHandlers())

		current.status = api.StatusDone
		assert.False(t, rest.Run(context.Background(), f, h))
		assert.EqualValues(t, 1, current.destroyed.Load())
		assert.Equal(t, 0, f.NumberActiveHandlers())
	})

	t.Run("done destroys once", func(t *testing.T) {
		req := request(t, f, "/o")
		var resp *rest.Response
		req.OnComplete(func(r *rest.Response) { resp = r })
		h, err := f.CreateHandler(req)
		require.NoError(t, err)
		current.status = api.StatusDone
		current.SetResponse(rest.TextResponse(http.StatusOK, "ok"))

		assert.False(t, rest.Run(context.Background(), f, h))
		assert.False(t, f.Finalize(h, api.StatusDone, nil))
		assert.EqualValues(t, 1, current.destroyed.Load())
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusOK, resp.Status)
	})

	t.Run("failed calls HandleError then destroys", func(t *testing.T) {
		req := request(t, f, "/o")
		var resp *rest.Response
		req.OnComplete(func(r *rest.Response) { resp = r })
		h, err := f.CreateHandler(req)
		require.NoError(t, err)
		current.status = api.StatusFailed
		current.err = errors.New("backend down")

		assert.False(t, rest.Run(context.Background(), f, h))
		assert.EqualValues(t, 1, current.errors.Load())
		assert.EqualValues(t, 1, current.destroyed.Load())
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusInternalServerError, resp.Status)
	})

	t.Run("error forces failed", func(t *testing.T) {
		h, err := f.CreateHandler(request(t, f, "/o"))
		require.NoError(t, err)
		current.status = api.StatusRequeue
		current.err = errors.New("broken")

		assert.False(t, rest.Run(context.Background(), f, h))
		assert.EqualValues(t, 1, current.errors.Load())
		assert.EqualValues(t, 1, current.destroyed.Load())
	})

	t.Run("panic forces failed", func(t *testing.T) {
		h, err := f.CreateHandler(request(t, f, "/o"))
		require.NoError(t, err)
		current.panicMsg = "execute"

		status, err := rest.Execute(context.Background(), h)
		assert.Equal(t, api.StatusFailed, status)
		assert.ErrorIs(t, err, api.ErrHandlerFailed)
		assert.False(t, f.Finalize(h, status, err))
		assert.EqualValues(t, 1, current.destroyed.Load())
	})

	t.Run("second finalize has no side effects", func(t *testing.T) {
		req := request(t, f, "/o")
		var completions atomic.Int32
		req.OnComplete(func(*rest.Response) { completions.Add(1) })
		h, err := f.CreateHandler(req)
		require.NoError(t, err)
		current.status = api.StatusDone
		current.err = nil
		current.panicMsg = ""

		assert.False(t, rest.Run(context.Background(), f, h))
		req.OnComplete(func(*rest.Response) { completions.Add(1) })
		assert.False(t, f.Finalize(h, api.StatusFailed, errors.New("late")))
		assert.False(t, f.Finalize(h, api.StatusRequeue, nil))
		assert.EqualValues(t, 1, completions.Load())
		assert.EqualValues(t, 0, current.errors.Load())
		assert.EqualValues(t, 1, current.destroyed.Load())
	})

	assert.Equal(t, 0, f.NumberActiveHandlers())
}

func TestFuncConstructorDefaults(t *testing.T) {
	f := rest.NewHandlerFactory(0, 0)
	f.AddHandler("/fn", rest.NewFuncConstructor(func(_ context.Context, req *rest.Request, data any) (*rest.Response, error) {
		return rest.TextResponse(http.StatusOK, data.(string)), nil
	}, rest.HandlerOptions{Direct: true}), "hello")

	req := request(t, f, "/fn")
	var resp *rest.Response
	req.OnComplete(func(r *rest.Response) { resp = r })
	h, err := f.CreateHandler(req)
	require.NoError(t, err)
	assert.True(t, h.IsDirect())
	assert.Equal(t, api.StandardQueue, h.Queue())
	assert.Equal(t, api.JobRead, h.Type())

	assert.False(t, rest.Run(context.Background(), f, h))
	require.NotNil(t, resp)
	assert.Equal(t, "hello", string(resp.Body))
}
