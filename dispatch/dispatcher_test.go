package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehttp/lattice/exchange"
	"github.com/latticehttp/lattice/middleware"
	"github.com/latticehttp/lattice/pattern"
	"github.com/latticehttp/lattice/requirement"
	"github.com/latticehttp/lattice/router"
	"github.com/latticehttp/lattice/scheme"
)

type fakeRequestView struct{ req *http.Request }

func (r fakeRequestView) Method() string           { return r.req.Method }
func (r fakeRequestView) Path() string              { return r.req.URL.Path }
func (r fakeRequestView) Host() string              { return r.req.Host }
func (r fakeRequestView) Header() http.Header       { return r.req.Header }
func (r fakeRequestView) Cookies() []*http.Cookie    { return r.req.Cookies() }
func (r fakeRequestView) Query() url.Values         { return r.req.URL.Query() }
func (r fakeRequestView) RequestURI() string        { return r.req.RequestURI }
func (r fakeRequestView) Context() context.Context  { return r.req.Context() }

type fakeResponseView struct {
	header http.Header
	status int
	body   []byte
}

func newFakeResponseView() *fakeResponseView {
	return &fakeResponseView{header: make(http.Header), status: http.StatusOK}
}

func (r *fakeResponseView) SetStatus(code int)                   { r.status = code }
func (r *fakeResponseView) Status() int                          { return r.status }
func (r *fakeResponseView) Header() http.Header                  { return r.header }
func (r *fakeResponseView) SendHeaders(contentLength int64) error { return nil }
func (r *fakeResponseView) Write(p []byte) (int, error)          { r.body = append(r.body, p...); return len(p), nil }

func mustPattern(t *testing.T, tmpl string) *pattern.Pattern {
	t.Helper()
	p, err := pattern.Compile(tmpl)
	require.NoError(t, err)
	return p
}

func newDispatcher() *Dispatcher {
	return New(router.NewRegistry(), requirement.NewDefaultCatalogue(), middleware.NewEngine())
}

func TestDispatchHTTP_RoutesToHandler(t *testing.T) {
	d := newDispatcher()
	var gotID string
	handler := func(ex *exchange.Exchange) error {
		gotID = ex.Param("id")
		return nil
	}
	require.NoError(t, d.Registry.Register(&router.Mapping{
		Family:       scheme.HTTPFamily,
		Pattern:      mustPattern(t, "/users/{id:int}"),
		Handler:      handler,
		Requirements: map[string]requirement.Info{"method": {Name: "method", Kind: requirement.STORING, Values: []string{"GET"}}},
	}))

	req := httptest.NewRequest(http.MethodGet, "/users/42", nil)
	ex := exchange.Bind(scheme.HTTP, fakeRequestView{req: req}, newFakeResponseView())

	require.NoError(t, d.DispatchHTTP(req, ex))
	assert.Equal(t, "42", gotID)
	assert.Equal(t, exchange.Closed, ex.State())
}

func TestDispatchHTTP_NotFound(t *testing.T) {
	d := newDispatcher()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	ex := exchange.Bind(scheme.HTTP, fakeRequestView{req: req}, newFakeResponseView())

	err := d.DispatchHTTP(req, ex)
	require.Error(t, err)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestDispatchHTTP_MethodNotAllowed(t *testing.T) {
	d := newDispatcher()
	require.NoError(t, d.Registry.Register(&router.Mapping{
		Family:       scheme.HTTPFamily,
		Pattern:      mustPattern(t, "/users"),
		Handler:      func(ex *exchange.Exchange) error { return nil },
		Requirements: map[string]requirement.Info{"method": {Name: "method", Kind: requirement.STORING, Values: []string{"GET"}}},
	}))

	req := httptest.NewRequest(http.MethodPost, "/users", nil)
	ex := exchange.Bind(scheme.HTTP, fakeRequestView{req: req}, newFakeResponseView())

	err := d.DispatchHTTP(req, ex)
	require.Error(t, err)
	var mna *MethodNotAllowedError
	assert.ErrorAs(t, err, &mna)
}

func TestDispatchHTTP_HeaderRequirementFailureIsNotFoundNotMethodNotAllowed(t *testing.T) {
	d := newDispatcher()
	require.NoError(t, d.Registry.Register(&router.Mapping{
		Family:  scheme.HTTPFamily,
		Pattern: mustPattern(t, "/admin"),
		Handler: func(ex *exchange.Exchange) error { return nil },
		Requirements: map[string]requirement.Info{
			"method":          {Name: "method", Kind: requirement.STORING, Values: []string{"GET"}},
			"headers-present": {Name: "headers-present", Kind: requirement.STORING, Values: []string{"X-Auth"}},
		},
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	ex := exchange.Bind(scheme.HTTP, fakeRequestView{req: req}, newFakeResponseView())

	err := d.DispatchHTTP(req, ex)
	require.Error(t, err)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
	var mna *MethodNotAllowedError
	assert.False(t, errors.As(err, &mna))
}

func TestDispatchHTTP_RanksMoreSpecificLiteralOverPlaceholder(t *testing.T) {
	d := newDispatcher()
	var winner string

	require.NoError(t, d.Registry.Register(&router.Mapping{
		Family:  scheme.HTTPFamily,
		Pattern: mustPattern(t, "/users/{id:string}"),
		Handler: func(ex *exchange.Exchange) error { winner = "placeholder"; return nil },
	}))
	require.NoError(t, d.Registry.Register(&router.Mapping{
		Family:  scheme.HTTPFamily,
		Pattern: mustPattern(t, "/users/me"),
		Handler: func(ex *exchange.Exchange) error { winner = "literal"; return nil },
	}))

	req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
	ex := exchange.Bind(scheme.HTTP, fakeRequestView{req: req}, newFakeResponseView())

	require.NoError(t, d.DispatchHTTP(req, ex))
	assert.Equal(t, "literal", winner)
}

func TestDispatchHTTP_HigherPriorityWins(t *testing.T) {
	d := newDispatcher()
	var winner string

	require.NoError(t, d.Registry.Register(&router.Mapping{
		Family:   scheme.HTTPFamily,
		Pattern:  mustPattern(t, "/a"),
		Priority: router.LOW,
		Handler:  func(ex *exchange.Exchange) error { winner = "low"; return nil },
	}))
	require.NoError(t, d.Registry.Register(&router.Mapping{
		Family:   scheme.HTTPFamily,
		Pattern:  mustPattern(t, "/a"),
		Priority: router.HIGH,
		Requirements: map[string]requirement.Info{
			"headers-present": {Name: "headers-present", Kind: requirement.STORING, Values: []string{"X-Marker"}},
		},
		Handler: func(ex *exchange.Exchange) error { winner = "high"; return nil },
	}))

	req := httptest.NewRequest(http.MethodGet, "/a", nil)
	req.Header.Set("X-Marker", "1")
	ex := exchange.Bind(scheme.HTTP, fakeRequestView{req: req}, newFakeResponseView())

	require.NoError(t, d.DispatchHTTP(req, ex))
	assert.Equal(t, "high", winner)
}

func TestDispatchHTTP_MiddlewareRunsBeforeHandler(t *testing.T) {
	d := newDispatcher()
	var trail []string
	d.Middleware.Register(scheme.HTTPFamily, "track", func(next exchange.HandlerFunc) exchange.HandlerFunc {
		return func(ex *exchange.Exchange) error {
			trail = append(trail, "mw")
			return next(ex)
		}
	})

	require.NoError(t, d.Registry.Register(&router.Mapping{
		Family:         scheme.HTTPFamily,
		Pattern:        mustPattern(t, "/a"),
		MiddlewareRefs: []router.MiddlewareDescriptor{{Name: "track", Family: scheme.HTTPFamily}},
		Handler: func(ex *exchange.Exchange) error {
			trail = append(trail, "handler")
			return nil
		},
	}))

	req := httptest.NewRequest(http.MethodGet, "/a", nil)
	ex := exchange.Bind(scheme.HTTP, fakeRequestView{req: req}, newFakeResponseView())

	require.NoError(t, d.DispatchHTTP(req, ex))
	assert.Equal(t, []string{"mw", "handler"}, trail)
}

func TestDispatchHTTP_RecoversHandlerPanicAsHandlerPanicError(t *testing.T) {
	d := newDispatcher()
	require.NoError(t, d.Registry.Register(&router.Mapping{
		Family:  scheme.HTTPFamily,
		Pattern: mustPattern(t, "/boom"),
		Handler: func(ex *exchange.Exchange) error { panic("kaboom") },
	}))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	resp := newFakeResponseView()
	ex := exchange.Bind(scheme.HTTP, fakeRequestView{req: req}, resp)

	err := d.DispatchHTTP(req, ex)
	require.Error(t, err)
	var hp *HandlerPanic
	require.ErrorAs(t, err, &hp)
	assert.Equal(t, "kaboom", hp.Recovered)
	assert.NotEmpty(t, hp.CorrelationID)
	assert.Equal(t, http.StatusInternalServerError, resp.status)
	assert.Equal(t, exchange.Closed, ex.State())
}
