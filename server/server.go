// Package server exposes the engine's operations over a thin JSON HTTP
// facade for the host application.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/orvane/skein/agent"
	"github.com/orvane/skein/metrics"
	"github.com/orvane/skein/tool"
)

// Server is the HTTP facade over the engine.
type Server struct {
	echo     *echo.Echo
	manager  *agent.Manager
	registry *tool.Registry
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// New builds the facade and registers its routes.
func New(manager *agent.Manager, registry *tool.Registry, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status)
			return nil
		},
	}))

	s := &Server{
		echo:     e,
		manager:  manager,
		registry: registry,
		metrics:  collector,
		logger:   logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.echo.Group("/api/v1")

	api.POST("/sessions", s.createSession)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.DELETE("/sessions/:id", s.destroySession)
	api.POST("/sessions/:id/messages", s.sendMessage)
	api.GET("/sessions/:id/history", s.getHistory)
	api.GET("/sessions/:id/memory", s.getMemoryStats)

	api.GET("/tools", s.listTools)
	api.GET("/metrics", s.getAllMetrics)
	api.GET("/metrics/:agent", s.getAgentMetrics)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("http facade listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
