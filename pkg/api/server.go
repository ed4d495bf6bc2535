// Package api is the boundary HTTP surface: upload-and-spawn, run views,
// the review endpoint and the derived eval/ops metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wavefix/wavefix/pkg/config"
	"github.com/wavefix/wavefix/pkg/review"
	"github.com/wavefix/wavefix/pkg/state"
)

const requestsPerMinute = 60

// Server hosts the boundary HTTP surface.
type Server struct {
	cfg      *config.Config
	store    *state.Store
	reviewer *review.Reviewer
	engine   *gin.Engine
	httpSrv  *http.Server
}

// NewServer wires routes and middleware.
func NewServer(cfg *config.Config) *Server {
	store := state.NewStore(cfg.RunsDir, cfg.StateFilePath)
	s := &Server{
		cfg:      cfg,
		store:    store,
		reviewer: review.New(store),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())
	engine.Use(newRateLimiter(requestsPerMinute).middleware())
	engine.Use(contentTypeMiddleware())
	engine.Use(originMiddleware(cfg.AllowedOrigin))
	engine.Use(authMiddleware(cfg.APIAuthToken))

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/runs", s.handleListRuns)
	engine.GET("/runs/:id", s.handleGetRun)
	engine.POST("/runs", s.handleCreateRun)
	engine.POST("/sessions/:id/review", s.handleReview)
	engine.GET("/eval", s.handleEval)
	engine.GET("/ops", s.handleOps)
	engine.GET("/status", s.handleLegacyStatus)

	s.engine = engine
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.HTTPPort,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", s.cfg.HTTPPort)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("Shutting down HTTP server")
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP())
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
