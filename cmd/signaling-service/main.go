package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	intDatabase "teleconsult-backend/internal/database"
	chatHandler "teleconsult-backend/internal/handler/http/chat"
	videoHandler "teleconsult-backend/internal/handler/http/video"
	wsHandler "teleconsult-backend/internal/handler/ws"
	"teleconsult-backend/internal/middleware"
	"teleconsult-backend/internal/repository/cockroach"
	"teleconsult-backend/internal/repository/memory"
	redisRepo "teleconsult-backend/internal/repository/redis"
	"teleconsult-backend/internal/room"
	"teleconsult-backend/internal/service/chat"
	"teleconsult-backend/internal/service/signaling"
	videoService "teleconsult-backend/internal/service/video"
	"teleconsult-backend/internal/timer"
	"teleconsult-backend/pkg/cache"
	"teleconsult-backend/pkg/config"
	"teleconsult-backend/pkg/constants"
	pkgDatabase "teleconsult-backend/pkg/database"
	"teleconsult-backend/pkg/logger"
	"teleconsult-backend/pkg/metrics"
)

// callStore is what the broker and the scheduling API need from call storage
type callStore interface {
	signaling.CallRepository
	videoService.CallRepository
}

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Service:    cfg.Server.ServiceName,
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	intDatabase.InitRedisMetrics()

	// 2. Call State Store
	calls, closeCalls := openCallStore(ctx, cfg, appMetrics)
	defer closeCalls()

	// 3. Redis for chat snapshots and rate limit counters
	redisDB := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	defer redisDB.Close()

	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unreachable at startup, using in-process cache until it recovers", zap.Error(err))
	} else {
		logger.Info("Connected to Redis")
	}
	redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	localCache := cache.NewLocalCache(cfg.Signaling.ChatCacheTTL, cfg.Signaling.LocalCacheCleanup)
	snapshots := redisRepo.NewChatSnapshotRepository(redisDB, localCache, appMetrics)

	// 4. Signaling core
	clk := clock.New()
	chatStore := chat.NewStore(snapshots, cfg.Signaling.ChatCacheTTL, clk)
	broker := signaling.NewBroker(calls, chatStore, room.NewRegistry(), timer.NewManager(clk), clk)
	signaling.Register(broker)
	defer signaling.Unregister()

	hub := wsHandler.NewHub(broker, wsHandler.HubConfig{
		MaxConnections: cfg.Signaling.MaxConnections,
		SendBuffer:     cfg.Signaling.SendBuffer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		HandlerTimeout: constants.EventHandlerTimeout,
	})

	// 5. HTTP API
	videoSvc := videoService.NewService(calls, clk)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"service":        cfg.Server.ServiceName,
			"time":           time.Now().UTC(),
			"signaling":      broker.Stats(),
			"connections":    hub.Len(),
			"redis_degraded": redisDB.IsDegraded(),
		})
	})
	router.GET(middleware.MetricsPath, middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.GET("/ws", hub.ServeWS)

	api := v1.Group("", middleware.Timeout(cfg.Server.RequestTimeout, appMetrics))
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(redisDB, nil, appMetrics, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.Window)
		api.Use(limiter.Middleware())
	}
	videoHandler.NewHandler(videoSvc).RegisterRoutes(api)
	chatHandler.NewHandler(chatStore).RegisterRoutes(api)

	// 6. Serve until signalled
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment),
			zap.String("websocket", "/v1/ws"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	hub.Close()
	broker.Shutdown()

	stats := broker.Stats()
	logger.Info("Server exited",
		zap.Int("rooms", stats.Rooms),
		zap.Int("timers_dropped", stats.Timers))
}

// openCallStore connects to CockroachDB. When the database stays unreachable
// the service runs in limited mode with records kept in memory.
func openCallStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (callStore, func()) {
	db, err := pkgDatabase.ConnectWithRetry(ctx, &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
		MinConns: int32(cfg.Database.MinConns),
	}, cfg.Database.MaxRetries)
	if err != nil {
		if cfg.IsProduction() {
			logger.Fatal("CockroachDB is required in production", zap.Error(err))
		}
		logger.Warn("Running in limited mode: call records are kept in memory", zap.Error(err))
		return memory.NewCallRepository(), func() {}
	}
	logger.Info("Connected to CockroachDB")

	repo := cockroach.NewCallRepository(db.Pool, m)
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		logger.Fatal("Failed to prepare call schema", zap.Error(err))
	}

	go reportPoolStats(ctx, db, m)

	return repo, db.Close
}

// reportPoolStats mirrors pool usage into the db connection gauges
func reportPoolStats(ctx context.Context, db *pkgDatabase.CockroachDB, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			m.SetDBConnections(int(stats.AcquiredConns()), int(stats.IdleConns()))
		}
	}
}
