// Package router assembles the gin engine and registers every route.
package router

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-auth-api/internal/handler"
	"github.com/noah-isme/lms-auth-api/internal/middleware"
	"github.com/noah-isme/lms-auth-api/internal/models"
	"github.com/noah-isme/lms-auth-api/internal/service"
	"github.com/noah-isme/lms-auth-api/pkg/config"
	"github.com/noah-isme/lms-auth-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/lms-auth-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/lms-auth-api/pkg/middleware/requestid"
)

// Dependencies collects everything the HTTP layer needs.
type Dependencies struct {
	Config        *config.Config
	Logger        *zap.Logger
	Metrics       *service.MetricsService
	Validator     middleware.TokenValidator
	RateLimiter   *middleware.RateLimiter
	Auth          *handler.AuthHandler
	Users         *handler.UserHandler
	Observability *handler.MetricsHandler
}

// New builds the gin engine with global middleware and all routes.
func New(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	// X-Forwarded-For is honoured only from configured proxies.
	if err := r.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		log.Warn("invalid trusted proxies, forwarding headers ignored", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(log))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.Metrics))

	r.GET("/health", deps.Observability.Health)
	r.GET("/ready", deps.Observability.Ready)
	r.GET("/metrics", deps.Observability.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	registerAuth(api, deps)
	registerUsers(api, deps)

	return r
}

func registerAuth(api *gin.RouterGroup, deps Dependencies) {
	limited := deps.RateLimiter.Middleware()

	auth := api.Group("/auth")
	auth.POST("/register", limited, deps.Auth.Register)
	auth.POST("/login", limited, deps.Auth.Login)
	auth.POST("/refresh", limited, deps.Auth.Refresh)

	protected := auth.Group("", middleware.JWT(deps.Validator))
	protected.POST("/revoke", deps.Auth.Revoke)
	protected.GET("/me", deps.Auth.Me)
	protected.POST("/change-password", deps.Auth.ChangePassword)
}

func registerUsers(api *gin.RouterGroup, deps Dependencies) {
	users := api.Group("/users", middleware.JWT(deps.Validator))
	users.GET("", middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin), deps.Users.List)
	users.GET("/:id", middleware.RBAC(string(models.RoleAdmin), string(models.RoleSuperAdmin), middleware.SelfMarker), deps.Users.Get)
	users.PATCH("/:id/status", middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin), deps.Users.UpdateStatus)
}
