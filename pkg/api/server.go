// Package api is the admin/observability surface spec.md §6's exposed
// operations (StopAgent, ReconfigNotify, FindPreemptable) and §6's
// diagnostics are served over: a gin HTTP server with JWT bearer auth
// on every /api/v1 route except auth/login and auth/refresh, and a
// public gorilla websocket diagnostics stream, grounded on
// pkg/api/server.go's router/middleware layering.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/khryptorgraphics/clusterbackfill/internal/config"
	"github.com/khryptorgraphics/clusterbackfill/pkg/api/auth"
)

// Server is the admin HTTP server, grounded on pkg/api/server.go's
// Server{router,httpServer,logger} shape.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	cfg     config.APIConfig
	authCfg config.AuthConfig

	jwt      *auth.JWTService
	secret   *auth.SharedSecretVerifier
	authMW   *auth.Middleware
	deps     Dependencies
	hub      *DiagnosticsHub
	limiters *ipRateLimiters
}

// NewServer builds a Server and its route table. When authCfg.Enabled
// is false, every route is public (useful for local development, the
// same escape hatch pkg/api/middleware.go's security stack keeps for
// its own "disable in dev" knobs).
func NewServer(cfg config.APIConfig, authCfg config.AuthConfig, jwtCfg config.JWTConfig,
	deps Dependencies, logger *slog.Logger) (*Server, error) {

	if logger == nil {
		logger = slog.Default()
	}

	var secretVerifier *auth.SharedSecretVerifier
	var err error
	if authCfg.Enabled {
		secretVerifier, err = auth.NewSharedSecretVerifier(authCfg)
		if err != nil {
			return nil, fmt.Errorf("api: %w", err)
		}
	}

	jwtSvc := auth.NewJWTService(jwtCfg)

	s := &Server{
		logger:   logger,
		cfg:      cfg,
		authCfg:  authCfg,
		jwt:      jwtSvc,
		secret:   secretVerifier,
		authMW:   auth.NewMiddleware(jwtSvc),
		deps:     deps,
		hub:      NewDiagnosticsHub(logger, deps.Coord),
		limiters: newIPRateLimiters(cfg.RateLimit),
	}
	if deps.Loop != nil {
		s.hub.bindConfig(deps.Loop.Config)
	}

	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:    cfg.Listen,
		Handler: s.router,
	}
	return s, nil
}

func (s *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.securityHeadersMiddleware())
	if s.cfg.Cors.Enabled {
		r.Use(corsMiddleware(s.cfg.Cors))
	}
	if s.cfg.RateLimit.Enabled {
		r.Use(s.rateLimitMiddleware())
	}
	r.Use(s.requestSizeMiddleware())

	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.POST("/login", s.handleLogin)
		authGroup.POST("/refresh", s.handleRefresh)
	}

	protected := v1.Group("/")
	if s.authCfg.Enabled {
		protected.Use(s.authMW.RequireAuth())
	}
	{
		protected.GET("/status", s.handleStatus)
		protected.GET("/preempt/candidates", s.handlePreemptCandidates)
		protected.POST("/reconfigure", s.handleReconfigure)
		protected.POST("/stop", s.handleStop)
	}

	r.GET("/ws/diagnostics", s.handleDiagnosticsWebsocket)

	return r
}

// Start launches the HTTP server and the diagnostics hub in background
// goroutines, returning immediately.
func (s *Server) Start() {
	go s.hub.Run()
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin api server exited", "error", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP server within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func corsMiddleware(c config.CorsConfig) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     c.AllowedOrigins,
		AllowMethods:     c.AllowedMethods,
		AllowHeaders:     c.AllowedHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           time.Duration(c.MaxAgeSeconds) * time.Second,
	})
}
