// Package api provides the admin HTTP API. Everything a session needs
// day to day goes through the chat platform; this surface exists for
// operators: health, status, the session list and a kill switch.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/config"
	"github.com/anneschuth/claude-threads-sub002/internal/common/httpmw"
	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
	"github.com/anneschuth/claude-threads-sub002/internal/session"
)

const shutdownTimeout = 10 * time.Second

// Server is the admin HTTP API server.
type Server struct {
	cfg     config.ServerConfig
	mgr     *session.Manager
	logger  *logger.Logger
	router  *gin.Engine
	version string

	startedAt time.Time
}

// NewServer creates the admin API server around a session manager.
func NewServer(cfg config.ServerConfig, mgr *session.Manager, version string, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		mgr:       mgr,
		logger:    log.WithFields(zap.String("component", "admin-api")),
		router:    gin.New(),
		version:   version,
		startedAt: time.Now(),
	}

	s.router.Use(httpmw.RequestLogger(s.logger, "admin-api"))
	s.router.Use(httpmw.OtelTracing("admin-api"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/sessions", s.handleListSessions)
		api.POST("/sessions/:platform/:thread/kill", s.handleKillSession)
	}
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin API listening", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
