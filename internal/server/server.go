package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/agentdesk/config"
	"github.com/mohammad-safakhou/agentdesk/internal/events"
	"github.com/mohammad-safakhou/agentdesk/internal/knowledge"
	"github.com/mohammad-safakhou/agentdesk/internal/runtime"
)

// Deps are the collaborators the HTTP layer is built from.
type Deps struct {
	Engine   *knowledge.Engine
	Notifier events.Notifier
	// Metrics serves /metrics; the default Prometheus registry is used when nil.
	Metrics http.Handler
	Logger  *log.Logger
}

// statusFor maps a knowledge error kind to its HTTP status.
func statusFor(err error) int {
	switch knowledge.Kind(err) {
	case "not_found":
		return http.StatusNotFound
	case "invalid_transition":
		return http.StatusUnprocessableEntity
	case "conflict":
		return http.StatusConflict
	case "read_only_tier":
		return http.StatusForbidden
	case "invalid_content":
		return http.StatusBadRequest
	case "store_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders every failure as JSON and logs it. Knowledge errors
// additionally carry their kind and whether a retry may succeed.
func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		body := map[string]interface{}{}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		} else if kind := knowledge.Kind(err); kind != "internal" {
			code = statusFor(err)
			body["kind"] = kind
			body["retryable"] = knowledge.Retryable(err)
		}
		body["error"] = msg
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			if req.Method == http.MethodHead {
				_ = c.NoContent(code)
				return
			}
			_ = c.JSON(code, body)
		}
	}
}

// New builds the echo instance with middleware and every route.
func New(cfg *config.Config, deps Deps) *echo.Echo {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderXRequestID},
	}))
	if cfg.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	}
	if cfg.Server.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeout(cfg.Server.RequestTimeout))
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	e.GET("/metrics", echo.WrapHandler(metrics))

	api := e.Group("/api")
	kh := NewKnowledgeHandler(deps.Engine, deps.Notifier, cfg.Knowledge.RevisionLimit)
	kh.Register(api)
	return e
}

// Run serves the API until ctx is cancelled or the process is signalled,
// then drains in-flight requests.
func Run(ctx context.Context, cfg *config.Config, deps Deps) error {
	e := New(cfg, deps)
	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			cancel()
		}
	}()

	runtime.WaitForShutdown(runCtx, "http")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
