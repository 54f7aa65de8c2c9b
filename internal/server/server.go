// Package server exposes the extension manager over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goatkit/extensionhost/internal/artifact"
	"github.com/goatkit/extensionhost/internal/catalog"
	"github.com/goatkit/extensionhost/internal/extension"
	"github.com/goatkit/extensionhost/internal/script"
)

// Installer installs package archives. The filesystem catalog implements it.
type Installer interface {
	InstallArchive(ctx context.Context, archivePath string) (*catalog.Package, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLogBuffer exposes captured script console output.
func WithLogBuffer(b *script.LogBuffer) Option {
	return func(s *Server) { s.logs = b }
}

// WithArtifactStore exposes the current artifact.
func WithArtifactStore(a *artifact.Store) Option {
	return func(s *Server) { s.store = a }
}

// WithInstaller enables package uploads.
func WithInstaller(i Installer) Option {
	return func(s *Server) { s.installer = i }
}

// WithMetrics serves Prometheus metrics on /metrics.
func WithMetrics() Option {
	return func(s *Server) { s.metrics = true }
}

// Server is the HTTP admin surface of the extension host.
type Server struct {
	mgr       *extension.Manager
	logger    *slog.Logger
	logs      *script.LogBuffer
	store     *artifact.Store
	installer Installer
	metrics   bool

	broker      *Broker
	unsubscribe func()
	engine      *gin.Engine
}

// New creates a server for mgr and subscribes to its registry changes.
// Call Close to drop the subscription.
func New(mgr *extension.Manager, opts ...Option) *Server {
	s := &Server{
		mgr:    mgr,
		logger: slog.Default(),
		broker: NewBroker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsubscribe = mgr.Subscribe(s.broker)
	s.engine = s.routes()
	return s
}

// Broker returns the SSE broker fed by registry changes.
func (s *Server) Broker() *Broker { return s.broker }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api/v1")
	{
		api.GET("/extensions", s.handleList)
		api.GET("/extensions/:id", s.handleGet)
		api.GET("/extensions/:id/logo", s.handleLogo)
		api.POST("/extensions/:id/enable", s.handleEnable)
		api.POST("/extensions/:id/disable", s.handleDisable)
		api.POST("/extensions/:id/invoke", s.handleInvoke)
		api.DELETE("/extensions/:id", s.handleRemove)
		api.POST("/discover", s.handleDiscover)

		api.GET("/events", gin.WrapH(s.broker))

		api.GET("/logs", s.handleLogs)
		api.DELETE("/logs", s.handleClearLogs)

		api.GET("/artifact", s.handleGetArtifact)
		api.PUT("/artifact", s.handlePutArtifact)

		api.POST("/packages", s.handleUpload)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close drops the registry subscription.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}
