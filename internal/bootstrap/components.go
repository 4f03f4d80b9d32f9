package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/office-analysis/office-analysis-go/internal/classifier"
	"github.com/office-analysis/office-analysis-go/internal/config"
	"github.com/office-analysis/office-analysis-go/internal/content"
	"github.com/office-analysis/office-analysis-go/internal/middleware"
	"github.com/office-analysis/office-analysis-go/internal/pipeline"
	"github.com/office-analysis/office-analysis-go/internal/retry"
	"github.com/office-analysis/office-analysis-go/internal/structure"
)

// Components 分析流水线的各个组件
type Components struct {
	Extractor  *structure.Extractor
	Snapshots  *content.Builder
	Classifier *classifier.Classifier // 分类器关闭时为 nil
	Analyzer   *pipeline.Analyzer
}

// Close 释放分类器后端等外部资源
func (c *Components) Close() error {
	if c == nil || c.Classifier == nil {
		return nil
	}
	return c.Classifier.Close()
}

// NewDecompiler 按宏分析模式创建反编译器；off 模式返回 nil
func NewDecompiler(cfg config.MacroConfig) content.MacroDecompiler {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Mode {
	case "olevba":
		return content.NewOlevbaDecompiler(cfg.Tool, timeout)
	case "native":
		return content.NewNativeDecompiler()
	case "off":
		return nil
	default:
		return content.NewFallbackDecompiler(
			content.NewOlevbaDecompiler(cfg.Tool, timeout),
			content.NewNativeDecompiler(),
		)
	}
}

// Build 按配置组装流水线；metrics 为 nil 时不上报指标
// withClassifier 为 false 时只做结构筛查与内容快照
func Build(ctx context.Context, cfg *config.Config, logger *logrus.Logger, metrics *middleware.PrometheusMetrics, withClassifier bool) (*Components, error) {
	extractor := structure.NewExtractor(logger, structure.Options{
		MaxDepth:     cfg.Analysis.MaxXMLDepth,
		MaxEntrySize: cfg.Analysis.MaxEntrySize,
		Triggers:     cfg.Analysis.Triggers,
	})

	var dispatcherOpts []content.DispatcherOption
	if metrics != nil {
		dispatcherOpts = append(dispatcherOpts, content.WithMacroFailureHook(metrics.RecordMacroFailure))
	}
	dispatcher := content.NewDispatcher(logger, NewDecompiler(cfg.Macro), dispatcherOpts...)
	snapshots := content.NewBuilder(logger, dispatcher, content.BuilderOptions{
		TempDir:      cfg.Analysis.TempDir,
		MaxEntrySize: cfg.Analysis.MaxEntrySize,
		MaxTotalSize: cfg.Analysis.MaxUnpackSize,
		MaxEntries:   cfg.Analysis.MaxEntries,
	})

	var cls *classifier.Classifier
	if withClassifier && cfg.Classifier.Enabled {
		var err error
		cls, err = NewClassifier(ctx, cfg, logger, metrics)
		if err != nil {
			return nil, err
		}
	}

	opts := pipeline.Options{CacheSize: cfg.Analysis.CacheSize}
	if metrics != nil {
		opts.Recorder = metrics
	}
	analyzer, err := pipeline.NewAnalyzer(logger, extractor, snapshots, cls, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"macro_mode": cfg.Macro.Mode,
		"classifier": cls != nil,
		"cache_size": cfg.Analysis.CacheSize,
	}).Info("Analysis pipeline assembled")

	return &Components{
		Extractor:  extractor,
		Snapshots:  snapshots,
		Classifier: cls,
		Analyzer:   analyzer,
	}, nil
}

// NewClassifier 创建分类器及其后端
func NewClassifier(ctx context.Context, cfg *config.Config, logger *logrus.Logger, metrics *middleware.PrometheusMetrics) (*classifier.Classifier, error) {
	c := cfg.Classifier
	backend, err := classifier.NewBackend(ctx, c.Backend, c.URL, c.Model, c.APIKey, time.Duration(c.TimeoutSeconds)*time.Second, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier backend: %w", err)
	}

	policy := retry.DefaultPolicy()
	if c.MaxAttempts > 0 {
		policy.MaxAttempts = c.MaxAttempts
	}
	if c.RetryDelayMS > 0 {
		policy.BaseDelay = time.Duration(c.RetryDelayMS) * time.Millisecond
	}

	opts := classifier.Options{
		PayloadLimit: cfg.Analysis.PayloadLimit,
		Retry:        policy,
	}
	if metrics != nil {
		opts.Retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			metrics.RecordRetryAttempt("classify", attempt)
		}
		opts.OnResult = metrics.RecordClassification
	}

	return classifier.New(backend, opts, logger), nil
}
