// Package api wires the HTTP surface: the proxy entry point, the admin CRUD,
// and operational endpoints.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/api/handler"
	"github.com/g1331/autorouter/internal/api/middleware"
	"github.com/g1331/autorouter/internal/config"
	"github.com/g1331/autorouter/internal/metrics"
	"github.com/g1331/autorouter/internal/repository"
	"github.com/g1331/autorouter/internal/service"
)

// Server wraps the HTTP router and dependencies.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// ServerDeps holds all dependencies for the API server.
type ServerDeps struct {
	Config       *config.Config
	AuthService  *service.AuthService
	ModelRouter  *service.ModelRouter
	Executor     *service.FailoverExecutor
	Breaker      *service.CircuitBreaker
	Health       *service.HealthTracker
	UpstreamRepo repository.UpstreamRepository
	KeyRepo      repository.APIKeyRepository
	BreakerRepo  repository.CircuitBreakerRepository
	LogRepo      repository.RequestLogRepository
	Store        *service.UpstreamStore
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// NewServer creates a new API server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))

	// Operational endpoints (no auth).
	r.GET("/healthz", handler.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Proxy entry point: all methods, all /v1 paths.
	gateway := handler.NewGatewayHandler(
		deps.AuthService,
		deps.ModelRouter,
		deps.Executor,
		deps.LogRepo,
		deps.Metrics,
		deps.Config.Failover.Strategy,
		deps.Config.Server.MaxBodyBytes,
		logger,
	)
	for _, method := range []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch,
	} {
		r.Handle(method, "/v1/*path", gateway.Proxy)
	}

	// Admin surface (static token auth).
	upstreamHandler := handler.NewUpstreamHandler(deps.UpstreamRepo, deps.Store, deps.Config.Security.EncryptionKey, logger)
	keyHandler := handler.NewAPIKeyHandler(deps.AuthService, deps.KeyRepo, logger)
	statusHandler := handler.NewStatusHandler(deps.Breaker, deps.BreakerRepo, deps.Health, deps.LogRepo)

	admin := r.Group("/admin")
	admin.Use(middleware.RequireAdminToken(deps.Config.Security.AdminToken))
	{
		admin.GET("/upstreams", upstreamHandler.List)
		admin.GET("/upstreams/:id", upstreamHandler.Get)
		admin.POST("/upstreams", upstreamHandler.Create)
		admin.PUT("/upstreams/:id", upstreamHandler.Update)
		admin.DELETE("/upstreams/:id", upstreamHandler.Delete)

		admin.GET("/keys", keyHandler.List)
		admin.POST("/keys", keyHandler.Create)
		admin.POST("/keys/:id/revoke", keyHandler.Revoke)

		admin.GET("/breakers", statusHandler.Breakers)
		admin.POST("/breakers/:id/open", statusHandler.ForceOpen)
		admin.POST("/breakers/:id/close", statusHandler.ForceClose)

		admin.GET("/health", statusHandler.Health)
		admin.GET("/logs", statusHandler.Logs)
	}

	return &Server{
		router: r,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
