package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/office-analysis/office-analysis-go/internal/api/handlers"
	"github.com/office-analysis/office-analysis-go/internal/config"
	"github.com/office-analysis/office-analysis-go/internal/middleware"
	"github.com/office-analysis/office-analysis-go/internal/service"
)

// SetupRouter 组装 HTTP 路由；memMonitor 与 promMetrics 可为 nil
func SetupRouter(cfg *config.Config, logger *logrus.Logger, svc service.AnalysisService, memMonitor *middleware.MemoryMonitor, promMetrics *middleware.PrometheusMetrics) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
		r.GET("/metrics/prometheus", promMetrics.Handler())
	}
	if memMonitor != nil {
		r.GET("/metrics", memMonitor.MetricsEndpoint())
	}

	analysisHandler := handlers.NewAnalysisHandler(svc, logger, cfg.UploadDir, cfg.Server.MaxUploadBytes)

	// 健康检查（无需认证）
	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	v1 := r.Group("/api")
	v1.Use(middleware.AuthMiddleware(cfg.Server.APIToken))
	{
		v1.GET("/stats", analysisHandler.GetStats)

		v1.POST("/analyses", analysisHandler.Upload)
		v1.GET("/analyses", analysisHandler.ListAnalyses)
		v1.GET("/analyses/:id", analysisHandler.GetAnalysis)
		v1.DELETE("/analyses/:id", analysisHandler.DeleteAnalysis)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
