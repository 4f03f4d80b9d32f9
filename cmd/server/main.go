package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/office-analysis/office-analysis-go/internal/api"
	"github.com/office-analysis/office-analysis-go/internal/bootstrap"
	"github.com/office-analysis/office-analysis-go/internal/config"
	"github.com/office-analysis/office-analysis-go/internal/domain"
	"github.com/office-analysis/office-analysis-go/internal/middleware"
	"github.com/office-analysis/office-analysis-go/internal/queue"
	"github.com/office-analysis/office-analysis-go/internal/repository"
	"github.com/office-analysis/office-analysis-go/internal/service"
	"github.com/office-analysis/office-analysis-go/internal/watcher"
	"github.com/office-analysis/office-analysis-go/internal/worker"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults and environment only when empty)")
	flag.Parse()

	fmt.Printf("Office Analysis Service\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// .env 不存在时忽略
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting Office Analysis Service %s", Version)
	logger.Infof("Config loaded from: %s", *configPath)

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := middleware.NewPrometheusMetrics(logger, "", nil)
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second, 2048, metrics.UpdateMemoryStats)
	memMonitor.Start()
	defer memMonitor.Stop()

	comps, err := bootstrap.Build(ctx, cfg, logger, metrics, true)
	if err != nil {
		logger.Fatalf("Failed to build analysis pipeline: %v", err)
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.WithError(err).Warn("Failed to release pipeline components")
		}
	}()

	repo := repository.NewAnalysisRepository(db, logger)

	// 执行端先于服务创建，通过闭包延迟绑定
	var svc service.AnalysisService
	process := func(ctx context.Context, taskID string) error {
		return svc.ProcessTask(ctx, taskID)
	}

	var (
		dispatcher service.Dispatcher
		pool       *worker.Pool
		mq         *queue.RabbitMQ
		consumer   *queue.Consumer
	)
	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(cfg.RabbitMQ, cfg.Worker.Concurrency, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		defer mq.Close()

		dispatcher = queue.NewProducer(mq, logger)
		consumer = queue.NewConsumer(mq, func(ctx context.Context, msg *queue.AnalysisMessage) error {
			return process(ctx, msg.TaskID)
		}, cfg.Worker.Concurrency, logger)
	} else {
		pool = worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, worker.ProcessorFunc(func(ctx context.Context, task *worker.Task) error {
			return process(ctx, task.ID)
		}), logger)
		dispatcher = pool
	}

	svc = service.NewAnalysisService(repo, comps.Analyzer, dispatcher, service.Options{
		MaxRetry:    cfg.Worker.MaxRetry,
		TaskTimeout: cfg.Worker.TaskTimeout(),
	}, logger)

	if consumer != nil {
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		defer consumer.Stop()
	} else {
		pool.Start(ctx)
		defer pool.Stop()
	}

	// 以数据库为准重建待处理任务：队列中的残留消息先清空
	if mq != nil {
		if purged, err := mq.PurgeQueue(); err != nil {
			logger.WithError(err).Warn("Failed to purge queue, continuing with recovery")
		} else if purged > 0 {
			logger.WithField("purged_count", purged).Info("Cleared stale messages from queue")
		}
	}
	if _, err := svc.RecoverPending(ctx); err != nil {
		logger.WithError(err).Warn("Failed to recover pending tasks")
	}

	if cfg.Watcher.Enabled {
		fw, err := watcher.NewFileWatcher(cfg.Watcher.InboundDir, watcher.Options{
			Patterns: cfg.Watcher.Patterns,
			Debounce: time.Duration(cfg.Watcher.DebounceMS) * time.Millisecond,
		}, createFileHandler(svc, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		if err := fw.Start(ctx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		defer fw.Stop()
	}

	go reportGauges(ctx, db, pool, metrics, logger)

	router := api.SetupRouter(cfg, logger, svc, memMonitor, metrics)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on :%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	cancel()

	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	logger.Info("Server stopped")
}

// createFileHandler 入站目录中的新文档直接建档投递
func createFileHandler(svc service.AnalysisService, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		fileName := filepath.Base(filePath)

		task, err := svc.Submit(ctx, fileName, filePath, domain.SourceWatcher)
		if err != nil {
			return fmt.Errorf("failed to submit inbound file: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"task_id": task.ID,
			"file":    fileName,
		}).Info("Inbound document submitted")
		return nil
	}
}

// reportGauges 周期上报本地队列长度与数据库连接数
func reportGauges(ctx context.Context, db *gorm.DB, pool *worker.Pool, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pool != nil {
				metrics.UpdateWorkerPoolQueue(pool.GetQueueSize())
			}
			sqlDB, err := db.DB()
			if err != nil {
				logger.WithError(err).Debug("Failed to get sql.DB for stats")
				continue
			}
			stats := sqlDB.Stats()
			metrics.UpdateDBStats(stats.OpenConnections, stats.Idle, stats.InUse)
		}
	}
}
