// Package http is the HTTP adapter: it translates requests into approval
// service calls and domain errors into status codes, nothing more.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/export"
	"github.com/coreledger/approvalflow/internal/service"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the HTTP server adapter
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	router     *gin.Engine
	approvals  *service.ApprovalService
	admin      *service.AdminService
	exporter   *export.TrailExporter
	logger     *zap.Logger
}

// NewServer creates a new HTTP server wired to the given services
func NewServer(
	config ServerConfig,
	approvals *service.ApprovalService,
	admin *service.AdminService,
	exporter *export.TrailExporter,
	logger *zap.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		config:    config,
		router:    gin.New(),
		approvals: approvals,
		admin:     admin,
		exporter:  exporter,
		logger:    logger,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		s.logger.Info("HTTP request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.String("latency", time.Since(start).String()),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	handlers := NewHandlers(s.approvals, s.admin, s.exporter, s.logger)

	s.router.GET("/health", handlers.HealthCheck)

	api := s.router.Group("/api")
	{
		// Approval lifecycle
		api.POST("/approvals", handlers.Submit)
		api.GET("/approvals/pending", handlers.ListPending)
		api.GET("/approvals/:id", handlers.GetRequest)
		api.POST("/approvals/:id/approve", handlers.Approve)
		api.POST("/approvals/:id/reject", handlers.Reject)
		api.POST("/approvals/:id/delegate", handlers.Delegate)
		api.POST("/approvals/:id/cancel", handlers.Cancel)

		// Per-entity history
		api.GET("/entities/:type/:id/requests", handlers.ListEntityRequests)
		api.GET("/entities/:type/:id/trail", handlers.GetEntityTrail)
		api.GET("/entities/:type/:id/trail.xlsx", handlers.ExportEntityTrail)

		// Configuration
		admin := api.Group("/admin")
		{
			admin.POST("/rules", handlers.CreateRule)
			admin.GET("/rules", handlers.ListRules)
			admin.GET("/rules/:id", handlers.GetRule)
			admin.PUT("/rules/:id", handlers.UpdateRule)
			admin.DELETE("/rules/:id", handlers.DeleteRule)

			admin.POST("/workflows", handlers.CreateWorkflow)
			admin.GET("/workflows", handlers.ListWorkflows)
			admin.GET("/workflows/:id", handlers.GetWorkflow)
			admin.PATCH("/workflows/:id/active", handlers.SetWorkflowActive)

			admin.POST("/memberships", handlers.AddMembership)
			admin.DELETE("/memberships", handlers.RemoveMembership)
		}
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", zap.Error(err))
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
