// Package server exposes the runner's operational HTTP surface: liveness
// and a small status snapshot. It serves no user-facing traffic.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/repobox/runner/internal/common/logger"
)

// StatusFunc returns the current runner status snapshot.
type StatusFunc func() map[string]interface{}

// Server is the operational HTTP server.
type Server struct {
	srv    *http.Server
	logger *logger.Logger
}

// New creates a Server on the given port.
func New(port int, status StatusFunc, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "server"))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, status())
	})

	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: log,
	}
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
