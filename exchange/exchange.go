// Package exchange implements the Exchange Binder (C9, spec §4.9): the
// per-request context carrying the request view, response view, session
// reference, and attributes, plus the HTTP exchange state machine of
// spec §4.8.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/latticehttp/lattice/cors"
	"github.com/latticehttp/lattice/scheme"
	"github.com/latticehttp/lattice/wsframe"
)

// State is the HTTP exchange state machine of spec §4.8:
// OPEN -> HEADERS_SENT -> BODY_FLUSHING -> CLOSED. Transitions are one-way.
type State int

const (
	Open State = iota
	HeadersSent
	BodyFlushing
	Closed
)

// HeadersAlreadySentError is raised when a header/status mutator runs after
// headers have already been flushed (spec §4.2, §4.8, §7).
type HeadersAlreadySentError struct {
	Op string
}

func (e *HeadersAlreadySentError) Error() string {
	return fmt.Sprintf("exchange: %s after headers already sent", e.Op)
}

// RequestView is the immutable-after-bind request surface (spec §4.9). It is
// the seam an underlying HTTP transport (spec §6) must satisfy; package
// transport implements it over echo.Context.
type RequestView interface {
	Method() string
	Path() string
	Host() string
	Header() http.Header
	Cookies() []*http.Cookie
	Query() url.Values
	RequestURI() string
	Context() context.Context
}

// ResponseView is the header/body sink an underlying HTTP transport must
// provide (spec §6): status + header buffer until SendHeaders is called,
// then a body sink.
type ResponseView interface {
	SetStatus(code int)
	Status() int
	Header() http.Header
	// SendHeaders flushes status + headers exactly once. content-length < 0
	// means chunked/unknown length (spec §6: "send-headers(status,
	// content-length | chunked)").
	SendHeaders(contentLength int64) error
	Write(p []byte) (int, error)
}

// Session is the narrow surface package exchange needs from a bound
// session, avoiding an import cycle with package session (which itself
// references *Exchange for response-cookie writeback, spec §9 "Cycles").
type Session interface {
	// WriteCookie is invoked by Exchange.SendHeaders, letting the Session Manager schedule a Set-Cookie without
	// calling back into exchange internals.
	WriteCookie(h http.Header)
}

// HandlerFunc is the user-registered endpoint handler. Placeholder captures
// are available via Exchange.Param before Handler runs (spec §9: binding by
// name, not reflection).
type HandlerFunc func(ex *Exchange) error

// Exchange is the per-request/per-message context the Dispatcher builds via
// Bind and passes through the middleware chain and into the handler.
type Exchange struct {
	Scheme scheme.Scheme
	Req    RequestView
	Resp   ResponseView

	// CORS is owned by this exchange alone (spec §5: "CORS policy on a
	// response: owned by the response view; no sharing across requests").
	CORS cors.Policy

	// Frame is non-nil only for WS-family exchanges, holding the inbound
	// frame that triggered this dispatch.
	Frame *wsframe.Frame

	session Session
	state   State

	attributes map[string]any
	captures   map[string]string

	ctx    context.Context
	cancel context.CancelFunc
}

// Bind constructs a fresh Exchange for an incoming request (spec §4.9). The
// session is attached afterwards by the Session Manager (Manager.Bind).
func Bind(sch scheme.Scheme, req RequestView, resp ResponseView) *Exchange {
	ctx, cancel := context.WithCancel(req.Context())
	return &Exchange{
		Scheme:     sch,
		Req:        req,
		Resp:       resp,
		CORS:       cors.New(),
		attributes: make(map[string]any),
		captures:   make(map[string]string),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// BindFrame constructs a WS-family Exchange for one inbound frame, reusing
// the upgrade request's view (cookies/headers/query are still meaningful)
// but without a ResponseView (frames are answered via the frame codec, not
// the HTTP response path).
func BindFrame(sch scheme.Scheme, req RequestView, frame *wsframe.Frame) *Exchange {
	ctx, cancel := context.WithCancel(req.Context())
	return &Exchange{
		Scheme:     sch,
		Req:        req,
		Frame:      frame,
		CORS:       cors.New(),
		attributes: make(map[string]any),
		captures:   make(map[string]string),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Context returns the exchange's cancellable context (spec §5: "handlers
// observe the signal through the exchange context").
func (ex *Exchange) Context() context.Context { return ex.ctx }

// Cancel signals request-level cancellation to anything observing
// ex.Context(), per spec §5.
func (ex *Exchange) Cancel() { ex.cancel() }

// State returns the current HTTP exchange state.
func (ex *Exchange) State() State { return ex.state }

// SetParams installs the placeholder captures bound for this dispatch
// (spec §4.8 step 5: "binding placeholders to declared parameters by name").
func (ex *Exchange) SetParams(captures map[string]string) {
	ex.captures = captures
}

// Param returns a bound placeholder capture by name, or "" if absent.
func (ex *Exchange) Param(name string) string {
	return ex.captures[name]
}

// Set stores an arbitrary per-exchange attribute (spec §3: "Exchange Binder
// ... attributes").
func (ex *Exchange) Set(key string, value any) {
	ex.attributes[key] = value
}

// Get retrieves a per-exchange attribute.
func (ex *Exchange) Get(key string) (any, bool) {
	v, ok := ex.attributes[key]
	return v, ok
}

// BindSession attaches the Session Manager's session reference so
// SendHeaders can write back any scheduled Set-Cookie.
func (ex *Exchange) BindSession(s Session) { ex.session = s }

// SetStatus sets the response status code. Fails once headers are sent
// (spec §4.8: "setCode ... after HEADERS_SENT fail with
// HeadersAlreadySentError").
func (ex *Exchange) SetStatus(code int) error {
	if ex.state != Open {
		return &HeadersAlreadySentError{Op: "SetStatus"}
	}
	ex.Resp.SetStatus(code)
	return nil
}

// AddHeader sets a response header. Fails once headers are sent.
func (ex *Exchange) AddHeader(key, value string) error {
	if ex.state != Open {
		return &HeadersAlreadySentError{Op: "AddHeader"}
	}
	ex.Resp.Header().Set(key, value)
	return nil
}

// HeadersSent reports whether SendHeaders has already run.
func (ex *Exchange) HeadersSent() bool { return ex.state != Open }

// SendHeaders applies CORS (spec §4.2: "must be called before headers are
// flushed"), lets the bound session schedule its Set-Cookie (spec §4.5:
// "Session Manager writes any session cookie before headers are flushed"),
// then flushes status+headers through the underlying transport exactly
// once, transitioning OPEN -> HEADERS_SENT (spec §4.8).
func (ex *Exchange) SendHeaders(contentLength int64) error {
	if ex.state != Open {
		return &HeadersAlreadySentError{Op: "SendHeaders"}
	}
	ex.CORS.Apply(headerSetter{ex.Resp.Header()}, corsExchangeAdapter{ex.Req})
	if ex.session != nil {
		ex.session.WriteCookie(ex.Resp.Header())
	}
	ex.state = HeadersSent
	return ex.Resp.SendHeaders(contentLength)
}

// Write writes body bytes, transitioning HEADERS_SENT -> BODY_FLUSHING on
// first call. If headers were never explicitly sent, it sends them first
// with an unknown (chunked) length, mirroring how net/http.ResponseWriter
// implicitly sends a 200 on first Write.
func (ex *Exchange) Write(p []byte) (int, error) {
	if ex.state == Open {
		if err := ex.SendHeaders(-1); err != nil {
			return 0, err
		}
	}
	if ex.state == HeadersSent {
		ex.state = BodyFlushing
	}
	return ex.Resp.Write(p)
}

// Close transitions the exchange to CLOSED, releasing it back to the
// transport pool (spec §4.8: "Terminal state CLOSED releases the underlying
// connection to the transport pool").
func (ex *Exchange) Close() {
	if ex.state != Closed {
		ex.state = Closed
	}
	ex.cancel()
}

type headerSetter struct{ h http.Header }

func (h headerSetter) Set(key, value string) { h.h.Set(key, value) }

type corsExchangeAdapter struct{ req RequestView }

func (a corsExchangeAdapter) Origin() string {
	return a.req.Header().Get("Origin")
}

func (a corsExchangeAdapter) RequestedHeaders() string {
	return a.req.Header().Get("Access-Control-Request-Headers")
}
