// Package api exposes the control plane over HTTP: deployment lifecycle,
// status polling, and streaming link retrieval.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/stratusgg/stratus/internal/auth"
	"github.com/stratusgg/stratus/internal/metrics"
	"github.com/stratusgg/stratus/pkg/types"
)

// DeployService is the surface the handlers need from the deployer.
type DeployService interface {
	Deploy(ctx context.Context, req types.DeployRequest) error
	Terminate(ctx context.Context, req types.TerminateRequest) error
	Status(ctx context.Context, userID string) (*types.DeploymentStatus, error)
	StreamingLink(ctx context.Context, userID string) (*types.StreamingLink, error)
}

// Server holds the API server dependencies.
type Server struct {
	echo     *echo.Echo
	deployer DeployService
}

// NewServer creates a new API server with all routes configured.
func NewServer(deployer DeployService, apiKey string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		deployer: deployer,
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health check and metrics (no auth)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// API routes (with auth)
	api := e.Group("")
	api.Use(auth.APIKeyMiddleware(apiKey))

	api.POST("/deployInstance", s.deployInstance)
	api.POST("/terminateInstance", s.terminateInstance)
	api.GET("/streamingLink", s.streamingLink)
	api.GET("/deployment-status", s.deploymentStatus)
	api.GET("/deployment-status/stream", s.deploymentStatusStream)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	return s.echo.Close()
}
