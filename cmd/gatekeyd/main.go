package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/gatekey/gatekey/pkg/async"
	"github.com/gatekey/gatekey/pkg/auth"
	"github.com/gatekey/gatekey/pkg/config"
	"github.com/gatekey/gatekey/pkg/middleware"
	"github.com/gatekey/gatekey/pkg/observability"
	"github.com/gatekey/gatekey/pkg/sso"
	"github.com/gatekey/gatekey/pkg/storage/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := postgres.Connect(postgres.Config{
		URL:         cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxLifetime: cfg.Database.MaxLifetime,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := sso.RunMigrations(ctx, db); err != nil {
		logger.WithError(err).Error("Failed to run migrations")
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.WithError(err).Error("Invalid redis URL")
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Error("Failed to connect to redis")
		os.Exit(1)
	}
	revoker := auth.NewRevocationStoreWithClient(redisClient)

	cipher, err := sso.NewAESCipher(cfg.SSO.SecretsKey)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize secrets cipher")
		os.Exit(1)
	}

	metrics := observability.NewMetrics(nil)
	auditor := sso.NewAuditor(db, logger)
	registry := sso.NewRegistry(db, cipher, auditor)

	factory, err := sso.NewHandlerFactory(sso.FactoryOptions{
		BaseURL:            cfg.SSO.BaseURL,
		UpstreamTimeout:    cfg.SSO.UpstreamTimeout,
		InsecureSkipVerify: cfg.SSO.InsecureSkipVerify,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to build handler factory")
		os.Exit(1)
	}
	if cfg.SSO.InsecureSkipVerify {
		logger.Warn("Signature verification is disabled; never run this way in production")
	}

	service := sso.NewService(db, registry, factory, revoker, auditor, logger, metrics, sso.ServiceOptions{
		SessionTTL:   cfg.SSO.SessionTTL,
		HandshakeTTL: cfg.SSO.HandshakeTTL,
	})

	// Background sweep for handshakes that never completed.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1m", func() {
		async.SafeGo(ctx, time.Minute, "session sweep", logger, func(ctx context.Context) error {
			_, err := service.SweepAbandoned(ctx)
			return err
		})
	}); err != nil {
		logger.WithError(err).Error("Failed to schedule handshake sweeper")
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	router := mux.NewRouter()
	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(metrics.Middleware)
	handlers := sso.NewHandlers(service, registry, auditor, logger)

	// Admin surface requires an authenticated admin behind a bearer token.
	adminRouter := apiRouter.NewRoute().Subrouter()
	sessionAuth := middleware.NewSessionAuth(service, false)
	adminRouter.Use(sessionAuth.Handler, middleware.RequireRole(auth.RoleAdmin))
	handlers.RegisterAdminRoutes(adminRouter)

	// Login flows are unauthenticated by nature; throttle them per client
	// IP with limits shared across instances.
	loginRouter := apiRouter.NewRoute().Subrouter()
	loginLimiter := middleware.NewDistributedRateLimitMiddleware(redisClient, middleware.LoginRateLimitConfig(), "ratelimit:login")
	loginRouter.Use(loginLimiter.Handler)
	handlers.RegisterLoginRoutes(loginRouter)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics live on their own port so probes and scrapes stay
	// off the public listener.
	health := observability.NewHealthChecker(db)
	health.AddCheck("redis", revoker)
	opsMux := http.NewServeMux()
	opsMux.Handle("/healthz", health.Handler())
	opsMux.Handle("/metrics", metrics.Handler())
	opsServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: opsMux,
	}

	go func() {
		logger.WithField("addr", opsServer.Addr).Info("Starting health/metrics server")
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	go func() {
		logger.WithField("addr", server.Addr).Info("Starting gatekey server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Server failed")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Health server shutdown failed")
	}
}
