// Package api exposes the batch dispatcher over HTTP so tools and agents
// can invoke it.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/agent462/devbatch/internal/dispatch"
	"github.com/agent462/devbatch/internal/logging"
)

// Executor runs a batch.
type Executor interface {
	Execute(ctx context.Context, req dispatch.Request) (*dispatch.BatchResult, error)
}

// DeviceLister provides the operator-safe device listing.
type DeviceLister interface {
	Public() map[string]map[string]any
}

// BatchRequest is the body of POST /api/v1/batch.
type BatchRequest struct {
	Targets []string `json:"targets"`
	Command string   `json:"command"`
	// TimeoutSeconds is optional; nil means the server default.
	TimeoutSeconds *float64 `json:"timeout_seconds,omitempty"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
}

// ErrorResponse is returned with every non-200 status.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// Server is the HTTP front of the dispatcher.
type Server struct {
	router          *gin.Engine
	exec            Executor
	devices         DeviceLister
	defaultTimeout  time.Duration
	shutdownTimeout time.Duration
	log             logrus.FieldLogger
}

// Option configures a Server.
type Option func(*Server)

// WithDefaultTimeout sets the per-device timeout used when a request has
// no timeout_seconds.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithShutdownTimeout bounds how long Serve waits for running batches on
// shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger sets the request and lifecycle logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer wires the routes.
func NewServer(exec Executor, devices DeviceLister, opts ...Option) *Server {
	s := &Server{
		router:          gin.New(),
		exec:            exec,
		devices:         devices,
		defaultTimeout:  60 * time.Second,
		shutdownTimeout: 30 * time.Second,
		log:             logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(requestLogger(s.log), gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		api.POST("/batch", s.executeBatch)
		api.GET("/devices", s.listDevices)
		api.GET("/health", s.healthCheck)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on addr and serves until ctx ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("api server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("api server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) executeBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	timeout := s.defaultTimeout
	if req.TimeoutSeconds != nil {
		timeout = time.Duration(*req.TimeoutSeconds * float64(time.Second))
	}

	batch, err := s.exec.Execute(c.Request.Context(), dispatch.Request{
		Targets:        req.Targets,
		Command:        req.Command,
		Timeout:        timeout,
		MaxConcurrency: req.MaxConcurrency,
	})
	if err != nil {
		var verr *dispatch.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Field: verr.Field})
			return
		}
		s.log.WithError(err).Error("batch failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (s *Server) listDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.devices.Public())
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestLogger logs one line per request.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client":      c.ClientIP(),
		}).Info("request")
	}
}
