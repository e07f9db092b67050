// Package transport wraps an *echo.Echo as the "underlying HTTP transport"
// of spec §6: it supplies the wire-level RequestView/ResponseView adapters
// Exchange needs, registers the single catch-all route that hands every
// request to the Dispatcher (C8), and upgrades WebSocket connections onto
// lattice/wsframe before handing inbound frames to the same Dispatcher.
//
// Lattice's registry/dispatcher/middleware/session/CORS code never touches
// Echo's router, route groups, or built-in middleware stack for dispatch
// decisions (spec §6) — Echo only parses the wire, terminates TLS, and
// drives graceful shutdown, exactly as SPEC_FULL.md's DOMAIN STACK binds it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/latticehttp/lattice/config"
	"github.com/latticehttp/lattice/dispatch"
	"github.com/latticehttp/lattice/exchange"
	"github.com/latticehttp/lattice/metrics"
	"github.com/latticehttp/lattice/scheme"
	"github.com/latticehttp/lattice/session"
	"github.com/latticehttp/lattice/wsframe"
)

// Options wires a Server's collaborators. Dispatcher is the only required
// field; everything else degrades gracefully when left zero (no session
// binding, no metrics, no connection accounting).
type Options struct {
	Config      config.ServerConfig
	Dispatcher  *dispatch.Dispatcher
	Sessions    *session.Manager
	Metrics     *metrics.Metrics
	Pool        *wsframe.Pool
	Logger      *slog.Logger
	CheckOrigin func(*http.Request) bool
}

// Server is the embeddable HTTP + WebSocket application server (spec §1):
// one *echo.Echo instance fronting a single Dispatcher for both families.
type Server struct {
	Echo       *echo.Echo
	Dispatcher *dispatch.Dispatcher
	Sessions   *session.Manager
	Metrics    *metrics.Metrics
	Pool       *wsframe.Pool

	cfg      config.ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	metricsTicker *time.Ticker
	metricsDone   chan struct{}
}

// New builds a Server from opts. It registers the one catch-all route
// (spec §6) immediately; Start actually begins listening.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = defaultCheckOrigin
	}

	s := &Server{
		Echo:       e,
		Dispatcher: opts.Dispatcher,
		Sessions:   opts.Sessions,
		Metrics:    opts.Metrics,
		Pool:       opts.Pool,
		cfg:        opts.Config,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}

	if s.Sessions != nil && s.Metrics != nil {
		s.Sessions.SetCacheObserver(s.Metrics)
	}

	e.Any("/*", s.handle)
	return s
}

// defaultCheckOrigin allows every upgrade, mirroring a native-client-first
// default; host processes that front browser traffic should supply their
// own Options.CheckOrigin validating against the configured CORS origins.
func defaultCheckOrigin(*http.Request) bool { return true }

// Start begins serving on cfg.Address, blocking until the listener stops.
// It returns nil on a clean Shutdown-triggered close.
func (s *Server) Start() error {
	if s.Metrics != nil {
		s.metricsDone = make(chan struct{})
		s.metricsTicker = time.NewTicker(time.Second)
		go s.publishQueueDepth()
	}

	addr := s.cfg.Address()
	s.Echo.Server.ReadTimeout = s.cfg.ReadTimeout
	s.Echo.Server.WriteTimeout = s.cfg.WriteTimeout
	s.Echo.Server.IdleTimeout = s.cfg.IdleTimeout

	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	return nil
}

func (s *Server) publishQueueDepth() {
	for {
		select {
		case <-s.metricsTicker.C:
			s.Metrics.SetQueueDepth(int(session.QueueDepth()))
		case <-s.metricsDone:
			return
		}
	}
}

// Shutdown drains session storage before closing the listener: it waits up
// to cfg.ShutdownWait for the process-wide queued-job count to hit zero, the
// way spec §5 requires in-flight storage jobs to "run to completion even if
// the request is cancelled," then calls echo.Echo.Shutdown(ctx) (grounded on
// cmd/hub/main.go's signal-driven shutdown sequence).
func (s *Server) Shutdown(ctx context.Context) error {
	if s.metricsTicker != nil {
		s.metricsTicker.Stop()
		close(s.metricsDone)
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownWait)
	defer cancel()
	s.drainSessionQueues(drainCtx)

	return s.Echo.Shutdown(ctx)
}

func (s *Server) drainSessionQueues(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if session.QueueDepth() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			s.logger.Warn("shutdown: session storage queues did not drain in time",
				slog.Int64("remaining", session.QueueDepth()))
			return
		case <-ticker.C:
		}
	}
}

// handle is the single catch-all route (spec §6): it branches to the
// WebSocket upgrade path or the plain HTTP dispatch path based on the
// request's Connection/Upgrade headers.
func (s *Server) handle(c echo.Context) error {
	if isUpgradeRequest(c.Request()) {
		return s.handleWS(c)
	}
	return s.handleHTTP(c)
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (s *Server) schemeOf(req *http.Request, secure scheme.Scheme, plain scheme.Scheme) scheme.Scheme {
	if req.TLS != nil {
		return secure
	}
	return plain
}

// handleHTTP runs one HTTP-family exchange through the Dispatcher, then
// translates any unresolved error (NotFound, MethodNotAllowed, or anything
// else the Dispatcher didn't already write a response for) into a status
// response: 404 and 405 carry a short text body, anything else is a bare 500.
func (s *Server) handleHTTP(c echo.Context) error {
	req := c.Request()
	sch := s.schemeOf(req, scheme.HTTPS, scheme.HTTP)

	rv := requestView{c}
	rsv := &responseView{c}
	ex := exchange.Bind(sch, rv, rsv)
	if s.Sessions != nil {
		s.Sessions.Bind(ex)
	}

	err := s.Dispatcher.DispatchHTTP(req, ex)

	if s.Metrics != nil {
		s.Metrics.ObserveDispatch(scheme.HTTPFamily.String(), rsv.Status())
	}

	if err == nil {
		return nil
	}
	if c.Response().Committed {
		return nil
	}

	var nf *dispatch.NotFoundError
	var mna *dispatch.MethodNotAllowedError
	switch {
	case errors.As(err, &nf):
		return c.String(http.StatusNotFound, "not found")
	case errors.As(err, &mna):
		if len(mna.Allowed) > 0 {
			c.Response().Header().Set("Allow", strings.Join(mna.Allowed, ", "))
		}
		return c.String(http.StatusMethodNotAllowed, "method not allowed")
	default:
		// UnknownMiddlewareError (a registration bug) or a HandlerPanic that
		// for some reason left headers unsent; either way spec §7's "no body
		// by default" boundary applies.
		return c.NoContent(http.StatusInternalServerError)
	}
}

// handleWS upgrades the connection, then loops reading inbound frames and
// running each through the Dispatcher's WS path (spec §4.1, §6), grounded on
// ws_handler.go's upgrader construction and client.go's read-pump shape.
func (s *Server) handleWS(c echo.Context) error {
	req := c.Request()
	ws, err := s.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return nil
	}
	conn := wsframe.NewConn(ws, s.logger)
	defer conn.Close()

	key := req.URL.Path
	if s.Pool != nil {
		if err := s.Pool.Join(key, conn); err != nil {
			s.logger.Warn("websocket upgrade rejected: pool full", slog.String("path", key))
			return nil
		}
		defer s.Pool.Leave(key, conn)
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go pingLoop(conn, pingDone)

	rv := requestView{c}
	sch := s.schemeOf(req, scheme.WSS, scheme.WS)

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if wsframe.IsUnexpectedClose(err) {
				s.logger.Warn("websocket read error", slog.String("error", err.Error()))
			}
			return nil
		}

		ex := exchange.BindFrame(sch, rv, &frame)
		if s.Sessions != nil {
			s.Sessions.Bind(ex)
		}

		derr := s.Dispatcher.DispatchWS(req, string(frame.Opcode), ex)
		if s.Metrics != nil {
			s.Metrics.ObserveDispatch(scheme.WSFamily.String(), 0)
		}
		if derr != nil {
			s.logger.Debug("websocket frame dispatch failed", slog.String("error", derr.Error()))
		}
	}
}

func pingLoop(conn *wsframe.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(conn.PingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		case <-done:
			return
		case <-conn.CloseCh():
			return
		}
	}
}

// requestView adapts echo.Context to exchange.RequestView.
type requestView struct{ c echo.Context }

func (r requestView) Method() string          { return r.c.Request().Method }
func (r requestView) Path() string            { return r.c.Request().URL.Path }
func (r requestView) Host() string            { return r.c.Request().Host }
func (r requestView) Header() http.Header     { return r.c.Request().Header }
func (r requestView) Cookies() []*http.Cookie { return r.c.Request().Cookies() }
func (r requestView) Query() url.Values       { return r.c.QueryParams() }
func (r requestView) RequestURI() string      { return r.c.Request().RequestURI }
func (r requestView) Context() context.Context {
	return r.c.Request().Context()
}

// responseView adapts echo.Context to exchange.ResponseView.
type responseView struct{ c echo.Context }

func (r *responseView) SetStatus(code int)       { r.c.Response().Status = code }
func (r *responseView) Status() int              { return r.c.Response().Status }
func (r *responseView) Header() http.Header      { return r.c.Response().Header() }
func (r *responseView) Write(p []byte) (int, error) {
	return r.c.Response().Write(p)
}

// SendHeaders flushes status and headers exactly once (spec §6:
// "send-headers(status, content-length | chunked)"). contentLength < 0
// means the body length is unknown and no Content-Length is set.
func (r *responseView) SendHeaders(contentLength int64) error {
	if contentLength >= 0 {
		r.c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(contentLength, 10))
	}
	r.c.Response().WriteHeader(r.c.Response().Status)
	return nil
}
