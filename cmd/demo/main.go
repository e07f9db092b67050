// Command demo embeds Lattice into a minimal host process: a couple of HTTP
// endpoints, a WS echo endpoint, session make_persistent, and the ambient
// stack (structured logging, metrics exposition, health checks) wired the
// way a real host process would. It exists to exercise the module end to
// end, grounded on cmd/hub/main.go's bootstrap/shutdown shape.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/latticehttp/lattice/config"
	"github.com/latticehttp/lattice/diag"
	"github.com/latticehttp/lattice/dispatch"
	"github.com/latticehttp/lattice/exchange"
	icrypto "github.com/latticehttp/lattice/internal/crypto"
	lmetrics "github.com/latticehttp/lattice/metrics"
	"github.com/latticehttp/lattice/middleware"
	"github.com/latticehttp/lattice/pattern"
	"github.com/latticehttp/lattice/requirement"
	"github.com/latticehttp/lattice/router"
	"github.com/latticehttp/lattice/scheme"
	"github.com/latticehttp/lattice/session"
	"github.com/latticehttp/lattice/session/filedriver"
	"github.com/latticehttp/lattice/transport"
	"github.com/latticehttp/lattice/wsframe"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var encryptor *icrypto.Encryptor
	if cfg.Session.EncryptionKey != "" {
		encryptor, err = icrypto.NewEncryptor(cfg.Session.EncryptionKey)
		if err != nil {
			logger.Error("session encryption key invalid", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	driver, err := filedriver.New(cfg.Session.FileDir, encryptor, logger)
	if err != nil {
		logger.Error("session driver init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	manager := session.NewManager(driver, session.DefaultCookieTemplate(), cfg.Session.CacheCapacity, logger)

	registry := router.NewRegistry()
	catalogue := requirement.NewDefaultCatalogue()
	engine := middleware.NewEngine()

	engine.Register(scheme.HTTPFamily, "secure-headers", middleware.SecureHeaders(middleware.SecureHeadersOptions{
		EnableHSTS: cfg.Session.SecureCookies,
	}))
	engine.Register(scheme.HTTPFamily, "request-id", middleware.RequestID())
	engine.Register(scheme.HTTPFamily, "request-logger", middleware.RequestLogger(logger))
	engine.RegisterGlobal(scheme.HTTPFamily, "secure-headers")
	engine.RegisterGlobal(scheme.HTTPFamily, "request-id")
	engine.RegisterGlobal(scheme.HTTPFamily, "request-logger")

	diagRegistry := diag.New(logger)
	diagRegistry.Register(sessionDriverModule{driver: driver})
	if err := diagRegistry.InitAll(context.Background()); err != nil {
		logger.Error("module init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	mustRegister(registry, &router.Mapping{
		Family:  scheme.HTTPFamily,
		Pattern: mustCompile("/healthz"),
		Requirements: map[string]requirement.Info{
			"method": {Name: "method", Kind: requirement.STORING, Values: []string{http.MethodGet}},
		},
		Handler: healthHandler(diagRegistry),
	})

	mustRegister(registry, &router.Mapping{
		Family:  scheme.HTTPFamily,
		Pattern: mustCompile("/greet/{name:string}"),
		Requirements: map[string]requirement.Info{
			"method": {Name: "method", Kind: requirement.STORING, Values: []string{http.MethodGet}},
		},
		Handler: greetHandler,
	})

	mustRegister(registry, &router.Mapping{
		Family:  scheme.HTTPFamily,
		Pattern: mustCompile("/visits"),
		Requirements: map[string]requirement.Info{
			"method": {Name: "method", Kind: requirement.STORING, Values: []string{http.MethodGet}},
		},
		Handler: visitsHandler(manager),
	})

	mustRegister(registry, &router.Mapping{
		Family:  scheme.WSFamily,
		Pattern: mustCompile("/ws/echo"),
		Requirements: map[string]requirement.Info{
			"websocket-opcode": {Name: "websocket-opcode", Kind: requirement.STORING, Values: []string{string(wsframe.Text)}},
		},
		Handler: wsEchoHandler,
	})

	promRegistry := prometheus.NewRegistry()
	promMetrics := lmetrics.New(promRegistry)

	d := dispatch.New(registry, catalogue, engine)
	d.Logger = logger

	srv := transport.New(transport.Options{
		Config:     cfg.Server,
		Dispatcher: d,
		Sessions:   manager,
		Metrics:    promMetrics,
		Pool:       wsframe.NewPool(100),
		Logger:     logger,
	})
	srv.Echo.GET("/metrics", echo.WrapHandler(lmetrics.Handler(promRegistry)))

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server stopped", slog.String("error", err.Error()))
		}
	}()
	logger.Info("lattice demo listening", slog.String("address", cfg.Server.Address()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownWait)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	diagRegistry.ShutdownAll(context.Background())
}

func mustCompile(tmpl string) *pattern.Pattern {
	p, err := pattern.Compile(tmpl)
	if err != nil {
		panic(err)
	}
	return p
}

func mustRegister(r *router.Registry, m *router.Mapping) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// sessionDriverModule adapts the file driver into a diag.Module so the demo
// exposes it through /healthz, grounded on core/registry's Module lifecycle
// interface (SUPPLEMENTED FEATURE #2).
type sessionDriverModule struct {
	driver *filedriver.Driver
}

func (m sessionDriverModule) Name() string                       { return "session-driver" }
func (m sessionDriverModule) Init(ctx context.Context) error      { return nil }
func (m sessionDriverModule) Shutdown(ctx context.Context) error  { return nil }
func (m sessionDriverModule) Health(ctx context.Context) error {
	_, err := m.driver.Exists(ctx, "healthcheck-probe")
	return err
}

func healthHandler(d *diag.Registry) exchange.HandlerFunc {
	return func(ex *exchange.Exchange) error {
		results := d.HealthAll(ex.Context())
		status := http.StatusOK
		for _, err := range results {
			if err != nil {
				status = http.StatusServiceUnavailable
				break
			}
		}
		if err := ex.SetStatus(status); err != nil {
			return err
		}
		_, err := ex.Write([]byte(`{"status":"ok"}`))
		return err
	}
}

func greetHandler(ex *exchange.Exchange) error {
	name := ex.Param("name")
	_, err := ex.Write([]byte("hello, " + name))
	return err
}

func visitsHandler(manager *session.Manager) exchange.HandlerFunc {
	return func(ex *exchange.Exchange) error {
		sess, ok := session.From(ex)
		if !ok {
			return ex.SetStatus(http.StatusInternalServerError)
		}
		if !sess.Persistent() {
			if err := manager.MakePersistent(ex, sess); err != nil {
				return err
			}
		}
		visits, _ := sess.Get("visits")
		count, _ := visits.(int)
		count++
		sess.Set("visits", count)
		_, err := ex.Write([]byte(time.Now().UTC().Format(time.RFC3339)))
		return err
	}
}

func wsEchoHandler(ex *exchange.Exchange) error {
	// The WS frame path has no ResponseView; this handler only demonstrates
	// dispatch reaching a registered mapping per inbound TEXT frame. A real
	// host process would write an outbound frame back through its own
	// *wsframe.Conn, kept outside the Exchange (spec §6: frames are answered
	// via the frame codec, not the HTTP response path).
	return nil
}
