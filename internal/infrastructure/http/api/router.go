// Package api assembles the authority's HTTP surface: device registration
// and login, change upload, bulk load, and the realtime event stream.
package api

import (
	"github.com/gin-gonic/gin"

	"driftsync/internal/auth"
	"driftsync/internal/authority"
	"driftsync/internal/infrastructure/http/api/handlers"
	"driftsync/internal/infrastructure/http/api/middleware"
	"driftsync/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Authority sequences uploaded changes and feeds the event hub.
	Authority *authority.Service

	// AuthService registers devices and issues tokens.
	AuthService *auth.Service

	// TokenValidator checks bearer tokens on sync endpoints.
	TokenValidator middleware.TokenValidator

	// Logger for request logging.
	Logger *logger.Logger

	// Version reported by /health/info.
	Version string
}

// NewRouter creates and configures the Gin router.
//
// Sync routes are mounted at the root, not under an /api prefix: the paths
// are part of the device protocol and stay stable across server versions.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	baseHandler := handlers.NewBaseHandler()

	// Health endpoints (no auth required)
	healthHandler := handlers.NewHealthHandler(cfg.Authority, cfg.Version)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	// Device registration and login (no token yet)
	if cfg.AuthService != nil {
		authHandler := handlers.NewAuthHandler(baseHandler, cfg.AuthService)
		authHandler.RegisterRoutes(router.Group("/auth"))
	}

	// Sync protocol (device token required)
	syncHandler := handlers.NewSyncHandler(baseHandler, cfg.Authority, cfg.Logger)
	protected := router.Group("/sync")
	protected.Use(middleware.DeviceAuth(cfg.TokenValidator))
	syncHandler.RegisterRoutes(protected)

	return router
}
