package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	notifapp "github.com/wyfcoding/vetclinic/internal/notification/application"
	"github.com/wyfcoding/vetclinic/internal/notification/infrastructure/directory"
	"github.com/wyfcoding/vetclinic/internal/notification/infrastructure/persistence/mysql"
	"github.com/wyfcoding/vetclinic/internal/scheduler/application"
	scheddomain "github.com/wyfcoding/vetclinic/internal/scheduler/domain"
	"github.com/wyfcoding/vetclinic/internal/scheduler/infrastructure/clients"
	schedmysql "github.com/wyfcoding/vetclinic/internal/scheduler/infrastructure/persistence/mysql"
	"github.com/wyfcoding/vetclinic/pkg/cache"
	"github.com/wyfcoding/vetclinic/pkg/config"
	"github.com/wyfcoding/vetclinic/pkg/db"
	"github.com/wyfcoding/vetclinic/pkg/logger"
	"github.com/wyfcoding/vetclinic/pkg/metrics"
	"github.com/wyfcoding/vetclinic/pkg/middleware"
)

// ServiceName 服务标识
const ServiceName = "scheduler"

// 内置扫描计划的默认周期，首次启动时写入 scheduled_jobs 表
const (
	reminderSchedule    = "@every 5m"
	invoiceSchedule     = "@every 1h"
	vaccinationSchedule = "@every 6h"
)

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
		configPath = "configs/scheduler/config.toml"
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

	// 4. 初始化 MySQL（与通知服务共享通知库）
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

	// 6. 装配事件接入（合成事件直接走通知接入服务）
	repo := mysql.NewNotificationRepository(database.DB)
	templates := mysql.NewTemplateRepository(database.DB)
	dir := directory.NewHTTPDirectory(cfg.Services, redisCache)
	ingress := notifapp.NewIngressService(repo, templates, dir, m)

	// 7. 装配扫描任务
	appointments := clients.NewAppointmentsClient(cfg.Services)
	billing := clients.NewBillingClient(cfg.Services)
	medical := clients.NewMedicalRecordsClient(cfg.Services)
	lookAhead := time.Duration(cfg.Scheduler.ReminderLookAhead) * time.Hour

	sweeps := []scheddomain.Sweep{
		application.NewAppointmentReminderSweep(appointments, ingress, lookAhead),
		application.NewInvoiceOverdueSweep(billing, ingress),
		application.NewVaccinationReminderSweep(medical, ingress),
	}

	// 8. 初始化调度计划存储并写入内置计划
	if err := schedmysql.Migrate(database.DB); err != nil {
		return fmt.Errorf("scheduled jobs migrate: %w", err)
	}
	jobs := schedmysql.NewJobRepository(database.DB)
	if err := jobs.Seed(ctx, defaultJobs(sweeps)); err != nil {
		return fmt.Errorf("seed scheduled jobs: %w", err)
	}

	// 9. 装配调度器（Redis 租约选主）
	lockTTL := time.Duration(cfg.Scheduler.LockTTL) * time.Second
	tick := time.Duration(cfg.Scheduler.TickInterval) * time.Second
	lease := cache.NewLease(redisCache, cfg.Scheduler.LockKey, lockTTL)
	scheduler := application.NewScheduler(jobs, lease, lockTTL, tick, m, sweeps...)

	// 10. 健康检查与指标端点
	server := buildServer(cfg, m, scheduler)
	go func() {
		logger.Info(ctx, "http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "http server failed", "error", err)
			cancel()
		}
	}()

	// 11. 运行调度直到收到退出信号
	if err := scheduler.Run(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "http shutdown failed", "error", err)
	}

	logger.Info(context.Background(), "service stopped", "service", ServiceName)
	return nil
}

// defaultJobs 每个内置扫描对应一条启用的计划，下次执行时间取当前，
// 进程启动后的第一个 tick 即触发
func defaultJobs(sweeps []scheddomain.Sweep) []*scheddomain.ScheduledJob {
	specs := map[string]string{
		"appointment_reminder": reminderSchedule,
		"invoice_overdue":      invoiceSchedule,
		"vaccination_reminder": vaccinationSchedule,
	}

	now := time.Now()
	jobs := make([]*scheddomain.ScheduledJob, 0, len(sweeps))
	for _, sw := range sweeps {
		spec, ok := specs[sw.Name()]
		if !ok {
			continue
		}
		next := now
		jobs = append(jobs, &scheddomain.ScheduledJob{
			ID:        uuid.New().String(),
			Kind:      sw.Name(),
			Spec:      spec,
			Enabled:   true,
			NextRunAt: &next,
		})
	}
	return jobs
}

func buildServer(cfg *config.Config, m *metrics.Metrics, scheduler *application.Scheduler) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		middleware.GinRecoveryMiddleware(),
		middleware.GinLoggingMiddleware(),
	)

	engine.GET("/sys/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "UP",
			"service":   ServiceName,
			"leader":    scheduler.IsLeader(),
			"timestamp": time.Now().Unix(),
		})
	})

	if cfg.Metrics.Enabled {
		engine.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler: engine,
	}
}
