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
	"go.uber.org/zap"

	callHandler "wellcall-backend/internal/handler/http/call"
	pushHandler "wellcall-backend/internal/handler/http/push"
	"wellcall-backend/internal/handler/ws"
	"wellcall-backend/internal/middleware"
	redisRepo "wellcall-backend/internal/repository/redis"
	callService "wellcall-backend/internal/service/call"
	notificationService "wellcall-backend/internal/service/notification"
	"wellcall-backend/pkg/cache"
	"wellcall-backend/pkg/config"
	"wellcall-backend/pkg/database"
	"wellcall-backend/pkg/email"
	"wellcall-backend/pkg/jwt"
	"wellcall-backend/pkg/logger"
	"wellcall-backend/pkg/metrics"
	"wellcall-backend/pkg/push"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
		Service:  cfg.Server.ServiceName,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, 15*time.Minute)
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. CockroachDB with retry; limited mode keeps calls in memory
	stores, err := openLedger(ctx, cfg.IsProduction(),
		func(ctx context.Context) (*database.CockroachDB, error) {
			return database.ConnectWithRetry(ctx, &cfg.Database, 5, time.Second, 30*time.Second)
		},
		database.EnsureSchema,
	)
	if err != nil {
		logger.Fatal("Failed to open call ledger", zap.Error(err))
	}
	defer stores.Close()
	mailbox := stores.mailbox

	// 3. Redis with degraded mode support
	redisDB, err := database.NewRedisDB(&cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, running degraded", zap.Error(err))
	} else {
		logger.Info("Connected to Redis")
	}
	defer redisDB.Close()
	redisDB.StartHealthCheck(ctx, 10*time.Second)

	var redisMailbox *redisRepo.SignalMailbox
	if cfg.Call.Mailbox == config.MailboxRedis {
		redisMailbox = redisRepo.NewSignalMailbox(redisDB.Client)
		mailbox = redisMailbox
		logger.Info("Using Redis signal mailbox")
	}

	// 4. Notifications
	pushProvider, err := push.NewProvider(ctx, &cfg.Push)
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	pushSvc := push.NewService(pushProvider, redisRepo.NewPushTokenRepository(redisDB.Client))

	var emailSender email.Sender = &email.MockSender{}
	if cfg.SMTP.Host != "" {
		emailSender = email.NewSMTPSender(&cfg.SMTP)
	}
	notifier := notificationService.NewService(pushSvc, email.NewService(emailSender), cfg.SMTP.AppURL)

	// 5. Call coordinator and reaper
	incomingCache := cache.NewMemoryCache(cfg.Call.IncomingCacheTTL, 10000)
	stopCleanup := incomingCache.StartCleanup(time.Minute)
	defer stopCleanup()

	coordinator := callService.NewService(stores.calls, mailbox, stores.relationships, stores.participants, notifier, incomingCache, appMetrics, callService.Options{
		IncomingCacheTTL:   cfg.Call.IncomingCacheTTL,
		NotifyTimeout:      cfg.Call.NotifyTimeout,
		HistoryDefaultSize: cfg.Call.HistoryDefaultSize,
		HistoryMaxSize:     cfg.Call.HistoryMaxSize,
		RingTimeout:        cfg.Call.RingTimeout,
		MaxDuration:        cfg.Call.MaxDuration,
	})

	reaper, err := callService.NewReaper(coordinator, cfg.Call.ReaperSchedule, 30*time.Second)
	if err != nil {
		logger.Fatal("Failed to schedule stale call reaper", zap.Error(err))
	}
	if reaper != nil {
		reaper.Start()
	}

	// 6. Router
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"service":        cfg.Server.ServiceName,
			"limited_mode":   stores.limited(),
			"redis_degraded": redisDB.IsDegraded(),
			"time":           time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, middleware.NewRedisRevocationChecker(redisDB.Client)))
	if cfg.Server.RateLimitPerMinute > 0 {
		v1.Use(middleware.NewRateLimiter(redisDB.Client, cfg.Server.RateLimitPerMinute, time.Minute).Middleware())
	}
	callHandler.NewHandler(coordinator).RegisterRoutes(v1)
	pushHandler.NewHandler(pushSvc).RegisterRoutes(v1)
	if redisMailbox != nil {
		ws.NewSignalNotifier(coordinator, redisMailbox, cfg.Server.AllowedOrigins, cfg.Call.EventsMaxConns).RegisterRoutes(v1)
	}

	// 7. Serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Call service shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	// Let in-flight missed-call notifications finish before the pool closes
	drain(reaper, coordinator)
}
