package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/noah-isme/lms-auth-api/api/swagger"
	"github.com/noah-isme/lms-auth-api/internal/handler"
	"github.com/noah-isme/lms-auth-api/internal/middleware"
	"github.com/noah-isme/lms-auth-api/internal/repository"
	"github.com/noah-isme/lms-auth-api/internal/router"
	"github.com/noah-isme/lms-auth-api/internal/service"
	"github.com/noah-isme/lms-auth-api/pkg/cache"
	"github.com/noah-isme/lms-auth-api/pkg/config"
	"github.com/noah-isme/lms-auth-api/pkg/database"
	"github.com/noah-isme/lms-auth-api/pkg/logger"
	"github.com/noah-isme/lms-auth-api/pkg/password"
)

// @title LMS Auth API
// @version 1.0.0
// @description Authentication, session and role-based access control for the LMS
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect database", "driver", cfg.Database.Driver, "error", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.EnsureSchema(context.Background(), db); err != nil {
			logr.Sugar().Fatalw("failed to ensure schema", "error", err)
		}
	}

	checks := map[string]handler.ReadinessCheck{"database": db.PingContext}

	var scripter redis.Scripter
	if cfg.Redis.Enabled {
		rdb, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, rate limiting disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			scripter = rdb
			checks["redis"] = cache.Check(rdb)
		}
	}

	clock := clockwork.NewRealClock()
	validate := validator.New()
	hasher := password.NewHasher(cfg.Auth.BcryptCost)
	metrics := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewRefreshTokenRepository(db)

	issuer := service.NewTokenIssuer(service.TokenConfig{
		Secret:         cfg.JWT.Secret,
		Issuer:         cfg.JWT.Issuer,
		Audience:       cfg.JWT.Audience,
		AccessTokenTTL: cfg.JWT.AccessTTL(),
	}, clock)
	authSvc := service.NewAuthService(userRepo, tokenRepo, issuer, hasher, validate, logr,
		service.AuthConfig{
			RefreshTokenTTL: cfg.JWT.RefreshTTL(),
			SingleSession:   cfg.Auth.SingleSession,
		},
		service.WithClock(clock),
		service.WithMetrics(metrics),
	)
	userSvc := service.NewUserService(userRepo, tokenRepo, hasher, validate, logr, clock)

	var cleanup *service.TokenCleanupService
	if cfg.TokenCleanup.Enabled {
		cleanup = service.NewTokenCleanupService(tokenRepo, service.TokenCleanupConfig{
			Schedule:  cfg.TokenCleanup.Schedule,
			Retention: cfg.TokenCleanup.Retention,
		}, clock, logr, metrics)
		if err := cleanup.Start(); err != nil {
			logr.Sugar().Fatalw("failed to schedule token cleanup", "schedule", cfg.TokenCleanup.Schedule, "error", err)
		}
	}

	engine := router.New(router.Dependencies{
		Config:        cfg,
		Logger:        logr,
		Metrics:       metrics,
		Validator:     authSvc,
		RateLimiter:   middleware.NewRateLimiter(cfg.RateLimit, scripter, logr, metrics, clock),
		Auth:          handler.NewAuthHandler(authSvc),
		Users:         handler.NewUserHandler(userSvc),
		Observability: handler.NewMetricsHandler(metrics, checks),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logr.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
	if cleanup != nil {
		cleanup.Stop()
	}
}
