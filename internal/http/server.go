// Package http provides the HTTP server of the chat gateway.
package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/agentchat/internal/hub"
	"github.com/xiaot623/agentchat/internal/ws"
)

// Server is the HTTP server of the gateway.
type Server struct {
	echo *echo.Echo
	hub  *hub.Hub
}

// NewServer creates a new HTTP server serving health checks and the
// WebSocket endpoint.
func NewServer(h *hub.Hub, wsServer *ws.Server) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().
				Str("component", "http").
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{
		echo: e,
		hub:  h,
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.GET("/ws", wsServer.HandleWebSocket)

	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		Connections: s.hub.GetConnectionCount(),
		Sessions:    s.hub.GetSessionCount(),
	})
}
