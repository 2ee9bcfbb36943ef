// Package api exposes VmService over HTTP: the /v1/vms REST surface,
// X-API-Key auth, per-endpoint rate limiting, and request body size caps.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vmforge/manager/internal/auth"
	"github.com/vmforge/manager/internal/metrics"
	"github.com/vmforge/manager/internal/vmservice"
)

const (
	createBodyLimit = "64K"
	execBodyLimit   = "1M"
	uploadBodyLimit = "10M"

	createReqPerMin = 30
	execReqPerMin   = 60
)

// Server wires VmService to an Echo HTTP server.
type Server struct {
	echo *echo.Echo
	svc  *vmservice.Service

	createLimiter *endpointLimiter
	execLimiter   *endpointLimiter
}

// NewServer builds a Server with every /v1/* route registered. apiKey empty
// disables auth (development mode), matching auth.APIKeyMiddleware.
func NewServer(svc *vmservice.Service, apiKey string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:          e,
		svc:           svc,
		createLimiter: newEndpointLimiter(createReqPerMin, createReqPerMin),
		execLimiter:   newEndpointLimiter(execReqPerMin, execReqPerMin),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := e.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(apiKey))

	v1.GET("/vms", s.listVms)
	v1.POST("/vms", s.createVm, middleware.BodyLimit(createBodyLimit), s.rateLimit(s.createLimiter))
	v1.GET("/vms/:id", s.getVm)
	v1.POST("/vms/:id/start", s.startVm)
	v1.POST("/vms/:id/stop", s.stopVm)
	v1.DELETE("/vms/:id", s.destroyVm)

	v1.POST("/vms/:id/exec", s.exec, middleware.BodyLimit(execBodyLimit), s.rateLimit(s.execLimiter))
	v1.POST("/vms/:id/run-ts", s.runTs, middleware.BodyLimit(execBodyLimit), s.rateLimit(s.execLimiter))
	v1.POST("/vms/:id/run-js", s.runJs, middleware.BodyLimit(execBodyLimit), s.rateLimit(s.execLimiter))

	v1.POST("/vms/:id/files/upload", s.uploadFiles, middleware.BodyLimit(uploadBodyLimit))
	v1.GET("/vms/:id/files/download", s.downloadFiles)

	v1.GET("/snapshots", s.listSnapshots)
	v1.POST("/vms/:id/snapshots", s.createSnapshot)

	return s
}

// rateLimit rejects a request with 429 once key's per-minute budget on lim
// is exhausted. Keyed by API key when present, else remote address.
func (s *Server) rateLimit(lim *endpointLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-API-Key")
			if key == "" {
				key = c.RealIP()
			}
			if !lim.allow(key) {
				metrics.RateLimitRejectionsTotal.WithLabelValues(c.Path()).Inc()
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			}
			return next(c)
		}
	}
}

// Start starts the HTTP server on addr.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	return s.echo.Close()
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
