// Package server exposes the worker handler over HTTP. The hosting platform
// dispatches one request per invocation; the envelope always travels with
// HTTP 200 so the platform distinguishes outcomes by the status field, not
// the transport code.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fmueller/voxserve/internal/handler"
	"github.com/fmueller/voxserve/internal/source"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Options struct {
	Addr      string
	ModelSize string
	Device    string
}

type Server struct {
	opts    Options
	handler *handler.Handler
	logger  *zap.Logger
	router  *gin.Engine
}

func New(opts Options, h *handler.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(RequestID(), RequestLogger(logger), Recovery(logger))

	s := &Server{opts: opts, handler: h, logger: logger, router: router}

	router.POST("/run", s.run)
	router.POST("/", s.run)
	router.GET("/health", s.health)

	return s
}

// Router exposes the configured routes for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) run(c *gin.Context) {
	var payload source.Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusOK, handler.Response{
			Status:  handler.StatusError,
			Message: fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}

	resp := s.handler.Handle(c.Request.Context(), &payload)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": version.Resolve(),
		"model":   s.opts.ModelSize,
		"device":  s.opts.Device,
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("worker listening", zap.String("addr", s.opts.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
