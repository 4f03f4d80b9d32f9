package middleware

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/office-analysis/office-analysis-go/internal/classifier"
	"github.com/office-analysis/office-analysis-go/internal/content"
	"github.com/office-analysis/office-analysis-go/internal/pipeline"
	"github.com/office-analysis/office-analysis-go/internal/structure"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger  *logrus.Logger
	handler gin.HandlerFunc

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 分析流水线指标
	analysesTotal    *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	sieveVerdicts    *prometheus.CounterVec
	cacheHitsTotal   prometheus.Counter
	macroFailures    *prometheus.CounterVec

	// 分类器指标
	classifierRequests *prometheus.CounterVec
	classifierLatency  *prometheus.HistogramVec
	classifierScore    prometheus.Histogram
	retryAttemptsTotal *prometheus.CounterVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolQueueSize prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge
}

// NewPrometheusMetrics 创建指标收集器；registry 为 nil 时注册到默认注册表
func NewPrometheusMetrics(logger *logrus.Logger, namespace string, registry *prometheus.Registry) *PrometheusMetrics {
	if namespace == "" {
		namespace = "office_analysis"
	}

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	h := promhttp.Handler()
	if registry != nil {
		reg = registry
		h = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	factory := promauto.With(reg)

	pm := &PrometheusMetrics{
		logger: logger,
		handler: func(c *gin.Context) {
			h.ServeHTTP(c.Writer, c.Request)
		},

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		analysesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analyses_total",
				Help:      "Total number of analysed documents by outcome",
			},
			[]string{"status"}, // CLEAN, SUSPICIOUS, CLASSIFIED
		),
		analysisDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "Per-document analysis duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"status"},
		),
		sieveVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sieve_verdicts_total",
				Help:      "Structural sieve verdicts by trigger",
			},
			[]string{"verdict", "trigger"},
		),
		cacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "result_cache_hits_total",
				Help:      "Analyses served from the content-hash cache",
			},
		),
		macroFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "macro_decompile_failures_total",
				Help:      "Macro project decompilation failures",
			},
			[]string{"reason"}, // unavailable, timeout, error
		),

		classifierRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifier_requests_total",
				Help:      "Classifier calls by backend and outcome",
			},
			[]string{"backend", "outcome"}, // outcome: ok, error
		),
		classifierLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "classifier_latency_seconds",
				Help:      "Classifier round-trip latency in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"backend"},
		),
		classifierScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "classifier_score",
				Help:      "Distribution of successful classifier scores",
				Buckets:   prometheus.LinearBuckets(0, 1, 11),
			},
		),
		retryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"},
		),

		memoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of tasks waiting in the local queue",
			},
		),

		dbConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_open",
				Help:      "Number of open database connections",
			},
		),
		dbConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
		dbConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections in use",
			},
		),
	}

	logger.Debug("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	return pm.handler
}

// RecordSieve 记录筛查结论
func (pm *PrometheusMetrics) RecordSieve(result structure.SieveResult) {
	trigger := result.Trigger
	if trigger == "" {
		trigger = "none"
	}
	pm.sieveVerdicts.WithLabelValues(result.Verdict(), trigger).Inc()
}

// RecordAnalysis 记录单个文件的分析结果
func (pm *PrometheusMetrics) RecordAnalysis(status pipeline.Status, elapsed time.Duration) {
	pm.analysesTotal.WithLabelValues(string(status)).Inc()
	pm.analysisDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// RecordCacheHit 记录缓存命中
func (pm *PrometheusMetrics) RecordCacheHit() {
	pm.cacheHitsTotal.Inc()
}

// RecordMacroFailure 记录宏反编译失败
func (pm *PrometheusMetrics) RecordMacroFailure(err error) {
	reason := "error"
	switch {
	case errors.Is(err, content.ErrDecompilerUnavailable):
		reason = "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	}
	pm.macroFailures.WithLabelValues(reason).Inc()
}

// RecordClassification 记录一次分类调用
func (pm *PrometheusMetrics) RecordClassification(backend string, verdict classifier.Verdict, elapsed time.Duration) {
	outcome := "ok"
	if verdict.Failed() {
		outcome = "error"
	} else {
		pm.classifierScore.Observe(verdict.Score)
	}
	pm.classifierRequests.WithLabelValues(backend, outcome).Inc()
	pm.classifierLatency.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// RecordRetryAttempt 记录重试尝试
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolQueue 更新本地队列长度
func (pm *PrometheusMetrics) UpdateWorkerPoolQueue(queueSize int) {
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsIdle.Set(float64(idle))
	pm.dbConnectionsInUse.Set(float64(inUse))
}
