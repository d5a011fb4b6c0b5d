package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/vetclinic/internal/notification/application"
	"github.com/wyfcoding/vetclinic/internal/notification/infrastructure/directory"
	"github.com/wyfcoding/vetclinic/internal/notification/infrastructure/messaging"
	"github.com/wyfcoding/vetclinic/internal/notification/infrastructure/persistence/mysql"
	"github.com/wyfcoding/vetclinic/internal/notification/infrastructure/sender"
	httphandler "github.com/wyfcoding/vetclinic/internal/notification/interfaces/http"
	"github.com/wyfcoding/vetclinic/pkg/cache"
	"github.com/wyfcoding/vetclinic/pkg/config"
	"github.com/wyfcoding/vetclinic/pkg/db"
	"github.com/wyfcoding/vetclinic/pkg/logger"
	"github.com/wyfcoding/vetclinic/pkg/metrics"
	"github.com/wyfcoding/vetclinic/pkg/middleware"
	"github.com/wyfcoding/vetclinic/pkg/mq"
	"github.com/wyfcoding/vetclinic/pkg/ratelimit"
)

// ServiceName 服务标识
const ServiceName = "notification"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "service bootstrap failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/notification/config.toml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. 初始化日志
	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		return fmt.Errorf("logger init: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	logger.Info(ctx, "service starting", "service", ServiceName)

	// 3. 初始化指标
	m := metrics.New(ServiceName)
	if err := m.Register(); err != nil {
		return fmt.Errorf("metrics register: %w", err)
	}

	// 4. 初始化 MySQL
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()
	if err := mysql.Migrate(database.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// 5. 初始化 Redis
	redisCache, err := cache.New(cache.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxPoolSize:  cfg.Redis.MaxPoolSize,
		ConnTimeout:  cfg.Redis.ConnTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis init: %w", err)
	}
	defer redisCache.Close()

	// 6. 装配仓储与应用服务
	repo := mysql.NewNotificationRepository(database.DB)
	templates := mysql.NewTemplateRepository(database.DB)
	dir := directory.NewHTTPDirectory(cfg.Services, redisCache)
	ingress := application.NewIngressService(repo, templates, dir, m)
	appService := application.NewNotificationService(repo, templates)

	// 7. 装配派发工作池
	senders := sender.NewRegistry(cfg.Channels)
	dispatcher := application.NewDispatcher(repo, templates, dir, senders, cfg.Dispatch, m)

	// 8. 装配 Kafka 接入
	mqConfig := mq.Config{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		SessionTimeout: cfg.Kafka.SessionTimeout,
		MaxRetries:     cfg.Kafka.MaxRetries,
		RetryBackoff:   cfg.Kafka.RetryBackoff,
	}
	consumer, err := mq.NewConsumer(mqConfig, cfg.Kafka.EventsTopic)
	if err != nil {
		return fmt.Errorf("kafka consumer init: %w", err)
	}
	defer consumer.Close()

	producer, err := mq.NewProducer(mqConfig)
	if err != nil {
		return fmt.Errorf("kafka producer init: %w", err)
	}
	defer producer.Close()
	dlq := mq.NewDeadLetterQueue(producer, cfg.Kafka.DeadLetterTopic)
	eventConsumer := messaging.NewEventConsumer(consumer, dlq, ingress)

	// 9. 装配 HTTP 服务
	engine := buildEngine(cfg, m, redisCache)
	httphandler.NewNotificationHandler(appService).RegisterRoutes(engine)
	httphandler.NewWebhookHandler(appService.Command).RegisterRoutes(engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	// 10. 启动消费循环、派发池与 HTTP 服务
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		eventConsumer.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info(ctx, "http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "http server failed", "error", err)
			cancel()
		}
	}()

	// 11. 等待退出信号，优雅停机
	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "http shutdown failed", "error", err)
	}

	wg.Wait()
	logger.Info(context.Background(), "service stopped", "service", ServiceName)
	return nil
}

func buildEngine(cfg *config.Config, m *metrics.Metrics, redisCache *cache.RedisCache) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		middleware.GinRecoveryMiddleware(),
		middleware.GinLoggingMiddleware(),
		middleware.GinCORSMiddleware(),
	)

	engine.GET("/sys/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "UP",
			"service":   ServiceName,
			"timestamp": time.Now().Unix(),
		})
	})

	if cfg.Metrics.Enabled {
		engine.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}

	limiter := ratelimit.NewRedisRateLimiter(redisCache.GetClient())
	engine.Use(middleware.RateLimitMiddleware(limiter, cfg.RateLimit.Rate, cfg.RateLimit.Burst))

	return engine
}
