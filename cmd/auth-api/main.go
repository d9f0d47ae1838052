package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/auth-core-api/api/swagger"
	"github.com/noah-isme/auth-core-api/internal/handler"
	"github.com/noah-isme/auth-core-api/internal/middleware"
	"github.com/noah-isme/auth-core-api/internal/repository"
	"github.com/noah-isme/auth-core-api/internal/service"
	"github.com/noah-isme/auth-core-api/pkg/cache"
	"github.com/noah-isme/auth-core-api/pkg/config"
	"github.com/noah-isme/auth-core-api/pkg/database"
	"github.com/noah-isme/auth-core-api/pkg/jobs"
	"github.com/noah-isme/auth-core-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/auth-core-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/auth-core-api/pkg/middleware/requestid"
	"github.com/noah-isme/auth-core-api/pkg/signer"
)

// @title Auth Core API
// @version 1.0.0
// @description Credential, device and refresh-token lifecycle service
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(context.Background(), cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	checks := map[string]handler.Pinger{"database": db}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Fatal("failed to connect redis", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = cache.Pinger{Client: redisClient}
	} else {
		logr.Warn("redis disabled, logged-out access tokens stay valid until expiry")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := service.NewMetricsService()
	clock := service.SystemClock{}
	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	tokenRepo := repository.NewRefreshTokenRepository(db)
	attemptRepo := repository.NewAuthAttemptRepository(db)
	eventRepo := repository.NewSecurityEventRepository(db)

	events := service.NewSecurityEventService(eventRepo, clock, metrics, logr)
	var eventQueue *jobs.Queue
	if cfg.SecurityEvents.Async {
		eventQueue = jobs.NewQueue("security-events", events.Handle, jobs.QueueConfig{
			Workers:    cfg.SecurityEvents.Workers,
			BufferSize: cfg.SecurityEvents.BufferSize,
			MaxRetries: cfg.SecurityEvents.MaxRetries,
			RetryDelay: cfg.SecurityEvents.RetryDelay,
			OnGiveUp:   events.HandleGiveUp,
			Logger:     logr,
		})
		eventQueue.Start(context.Background())
		events.UseQueue(eventQueue)
	}

	tokens := service.NewTokenService(service.TokenConfig{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		TTL:      cfg.JWT.Expiration,
	}, clock)
	store := service.NewRefreshTokenStore(tokenRepo, clock, rand.Reader)
	guard := service.NewRotationGuard(store, tokens, events, metrics, clock, cfg.JWT.RefreshExpiration, logr)

	authService := service.NewAuthService(service.AuthDependencies{
		Users:   userRepo,
		Devices: service.NewDeviceService(deviceRepo, clock, rand.Reader, logr),
		Guard:   guard,
		Store:   store,
		Tokens:  tokens,
		Hasher: service.NewPasswordHasher(service.PasswordHasherConfig{
			Memory:      cfg.Password.Memory,
			Iterations:  cfg.Password.Iterations,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		}, rand.Reader),
		Throttle: service.NewLoginThrottle(attemptRepo, clock, service.ThrottleConfig{
			Window:             cfg.Throttle.Window,
			MaxFailures:        cfg.Throttle.MaxFailures,
			AccountMaxFailures: cfg.Throttle.AccountMaxFailures,
		}),
		Events:      events,
		Exporter:    service.NewExportService(events, clock, logr),
		ResetSigner: signer.NewResetTokenSigner(cfg.Reset.Secret, cfg.Reset.TTL),
		Denylist:    repository.NewTokenDenylistRepository(redisClient),
		Validator:   validate,
		Metrics:     metrics,
		Clock:       clock,
		Logger:      logr,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	metricsHandler := handler.NewMetricsHandler(metrics, checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)
	handler.NewAuthHandler(authService).RegisterRoutes(api)
	api.GET("/metrics/summary", middleware.JWT(authService), metricsHandler.Snapshot)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("http shutdown failed", zap.Error(err))
	}
	if eventQueue != nil {
		eventQueue.Stop()
	}
}
