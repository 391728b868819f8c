// Package server exposes the agent engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent"
	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/config"
)

// Engine is the part of the orchestrator the HTTP layer calls.
type Engine interface {
	ProcessTurn(ctx context.Context, threadID, message string, userContext ports.UserContext) (*agent.TurnResult, error)
	Thread(ctx context.Context, threadID string) (*ports.ConversationState, bool, error)
}

// Server serves turn processing, thread inspection, health and metrics.
type Server struct {
	cfg      config.ServerConfig
	engine   Engine
	limiter  ports.RateLimiter
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	router   *gin.Engine
}

// New builds the router. limiter and gatherer may be nil.
func New(cfg config.ServerConfig, engine Engine, limiter ports.RateLimiter, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	s := &Server{cfg: cfg, engine: engine, limiter: limiter, gatherer: gatherer, logger: logger}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(s.logger))

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	threads := v1.Group("/threads/:thread_id")
	threads.GET("", s.getThread)
	threads.POST("/turns", RateLimitMiddleware(s.limiter, s.logger), s.postTurn)
	return router
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.cfg.Address).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("server shutdown completed")
	return nil
}
