package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/resilstack/resilience-engine/internal/config"
)

// Server wraps the HTTP control surface and its lifecycle helpers.
type Server struct {
	cfg        config.ServerConfig
	httpServer *http.Server
}

// NewServer constructs the gin server bound to the configured address.
func NewServer(cfg config.ServerConfig, handlers *Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	handlers.Register(engine)

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:    cfg.Address,
			Handler: engine,
		},
	}
}

// Start serves requests until Shutdown is invoked.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GracefulTimeout returns the configured graceful shutdown window.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
