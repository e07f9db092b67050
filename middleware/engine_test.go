package middleware

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehttp/lattice/exchange"
	"github.com/latticehttp/lattice/router"
	"github.com/latticehttp/lattice/scheme"
)

type fakeRequest struct {
	header http.Header
	query  url.Values
}

func newFakeRequest() *fakeRequest {
	return &fakeRequest{header: make(http.Header), query: make(url.Values)}
}

func (r *fakeRequest) Method() string             { return "GET" }
func (r *fakeRequest) Path() string                { return "/" }
func (r *fakeRequest) Host() string                { return "example.com" }
func (r *fakeRequest) Header() http.Header         { return r.header }
func (r *fakeRequest) Cookies() []*http.Cookie      { return nil }
func (r *fakeRequest) Query() url.Values           { return r.query }
func (r *fakeRequest) RequestURI() string          { return "/" }
func (r *fakeRequest) Context() context.Context    { return context.Background() }

type fakeResponse struct {
	header http.Header
	status int
}

func newFakeResponse() *fakeResponse {
	return &fakeResponse{header: make(http.Header), status: http.StatusOK}
}

func (r *fakeResponse) SetStatus(code int)                     { r.status = code }
func (r *fakeResponse) Status() int                             { return r.status }
func (r *fakeResponse) Header() http.Header                     { return r.header }
func (r *fakeResponse) SendHeaders(contentLength int64) error   { return nil }
func (r *fakeResponse) Write(p []byte) (int, error)             { return len(p), nil }

func recordingMiddleware(name string, trail *[]string) Func {
	return func(next exchange.HandlerFunc) exchange.HandlerFunc {
		return func(ex *exchange.Exchange) error {
			*trail = append(*trail, name)
			return next(ex)
		}
	}
}

func TestBuild_GlobalsThenLocalsInOrder(t *testing.T) {
	e := NewEngine()
	var trail []string
	e.Register(scheme.HTTPFamily, "g1", recordingMiddleware("g1", &trail))
	e.Register(scheme.HTTPFamily, "g2", recordingMiddleware("g2", &trail))
	e.Register(scheme.HTTPFamily, "local1", recordingMiddleware("local1", &trail))
	e.RegisterGlobal(scheme.HTTPFamily, "g1")
	e.RegisterGlobal(scheme.HTTPFamily, "g2")

	final := func(ex *exchange.Exchange) error {
		trail = append(trail, "handler")
		return nil
	}

	chain, err := e.Build(scheme.HTTPFamily, []router.MiddlewareDescriptor{{Name: "local1", Family: scheme.HTTPFamily}}, final)
	require.NoError(t, err)

	ex := exchange.Bind(scheme.HTTP, newFakeRequest(), newFakeResponse())
	require.NoError(t, chain(ex))
	assert.Equal(t, []string{"g1", "g2", "local1", "handler"}, trail)
}

func TestBuild_UnknownMiddlewareErrors(t *testing.T) {
	e := NewEngine()
	_, err := e.Build(scheme.HTTPFamily, []router.MiddlewareDescriptor{{Name: "missing"}}, func(ex *exchange.Exchange) error { return nil })
	require.Error(t, err)
	var uerr *UnknownMiddlewareError
	assert.ErrorAs(t, err, &uerr)
}

func TestChain_ShortCircuitSkipsHandler(t *testing.T) {
	e := NewEngine()
	handlerRan := false
	e.Register(scheme.HTTPFamily, "blocker", func(next exchange.HandlerFunc) exchange.HandlerFunc {
		return func(ex *exchange.Exchange) error {
			return nil // does not call next
		}
	})
	e.RegisterGlobal(scheme.HTTPFamily, "blocker")

	chain, err := e.Build(scheme.HTTPFamily, nil, func(ex *exchange.Exchange) error {
		handlerRan = true
		return nil
	})
	require.NoError(t, err)

	ex := exchange.Bind(scheme.HTTP, newFakeRequest(), newFakeResponse())
	require.NoError(t, chain(ex))
	assert.False(t, handlerRan)
}

func TestCallbackInfo_CancelPropagatesToExchange(t *testing.T) {
	e := NewEngine()
	e.Register(scheme.HTTPFamily, "canceller", func(next exchange.HandlerFunc) exchange.HandlerFunc {
		return func(ex *exchange.Exchange) error {
			info, ok := InfoFrom(ex)
			require.True(t, ok)
			info.Cancel(nil)
			return next(ex)
		}
	})
	e.RegisterGlobal(scheme.HTTPFamily, "canceller")

	chain, err := e.Build(scheme.HTTPFamily, nil, func(ex *exchange.Exchange) error { return nil })
	require.NoError(t, err)

	ex := exchange.Bind(scheme.HTTP, newFakeRequest(), newFakeResponse())
	require.NoError(t, chain(ex))

	select {
	case <-ex.Context().Done():
	default:
		t.Fatal("expected exchange context to be cancelled")
	}
}

func TestBuild_CancelStillCallingNextRunsRestOfChainButSkipsHandler(t *testing.T) {
	e := NewEngine()
	var trail []string
	handlerRan := false

	e.Register(scheme.HTTPFamily, "canceller", func(next exchange.HandlerFunc) exchange.HandlerFunc {
		return func(ex *exchange.Exchange) error {
			trail = append(trail, "canceller")
			info, _ := InfoFrom(ex)
			info.Cancel(nil)
			return next(ex) // cancels but still propagates the chain
		}
	})
	e.Register(scheme.HTTPFamily, "after", recordingMiddleware("after", &trail))
	e.RegisterGlobal(scheme.HTTPFamily, "canceller")
	e.RegisterGlobal(scheme.HTTPFamily, "after")

	resp := newFakeResponse()
	chain, err := e.Build(scheme.HTTPFamily, nil, func(ex *exchange.Exchange) error {
		handlerRan = true
		return nil
	})
	require.NoError(t, err)

	ex := exchange.Bind(scheme.HTTP, newFakeRequest(), resp)
	require.NoError(t, chain(ex))

	assert.Equal(t, []string{"canceller", "after"}, trail)
	assert.False(t, handlerRan)
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestBuild_CancelWithResponseAlreadyWrittenSkipsDefault(t *testing.T) {
	e := NewEngine()
	handlerRan := false

	e.Register(scheme.HTTPFamily, "denier", func(next exchange.HandlerFunc) exchange.HandlerFunc {
		return func(ex *exchange.Exchange) error {
			info, _ := InfoFrom(ex)
			info.Cancel(nil)
			if err := ex.SetStatus(http.StatusForbidden); err != nil {
				return err
			}
			if err := ex.SendHeaders(int64(len("nope"))); err != nil {
				return err
			}
			_, err := ex.Write([]byte("nope"))
			if err != nil {
				return err
			}
			return next(ex)
		}
	})
	e.RegisterGlobal(scheme.HTTPFamily, "denier")

	resp := newFakeResponse()
	chain, err := e.Build(scheme.HTTPFamily, nil, func(ex *exchange.Exchange) error {
		handlerRan = true
		return nil
	})
	require.NoError(t, err)

	ex := exchange.Bind(scheme.HTTP, newFakeRequest(), resp)
	require.NoError(t, chain(ex))

	assert.False(t, handlerRan)
	assert.Equal(t, http.StatusForbidden, resp.status)
}

func TestBuild_WSCancelSkipsHandlerWithoutDefaultResponse(t *testing.T) {
	e := NewEngine()
	handlerRan := false

	e.Register(scheme.WSFamily, "canceller", func(next exchange.HandlerFunc) exchange.HandlerFunc {
		return func(ex *exchange.Exchange) error {
			info, _ := InfoFrom(ex)
			info.Cancel(nil)
			return next(ex)
		}
	})
	e.RegisterGlobal(scheme.WSFamily, "canceller")

	resp := newFakeResponse()
	chain, err := e.Build(scheme.WSFamily, nil, func(ex *exchange.Exchange) error {
		handlerRan = true
		return nil
	})
	require.NoError(t, err)

	ex := exchange.Bind(scheme.WS, newFakeRequest(), resp)
	require.NoError(t, chain(ex))

	assert.False(t, handlerRan)
	assert.Equal(t, http.StatusOK, resp.status) // untouched: no HTTP default for WS
}
