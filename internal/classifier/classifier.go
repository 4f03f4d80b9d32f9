package classifier

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/office-analysis/office-analysis-go/internal/content"
	"github.com/office-analysis/office-analysis-go/internal/retry"
)

// Backend 分类模型后端
type Backend interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// Options 分类器配置
type Options struct {
	PayloadLimit int
	Retry        retry.Policy
	// OnResult 每次分类结束回调（用于指标）
	OnResult func(backend string, verdict Verdict, elapsed time.Duration)
}

// Classifier 组装证据、调用后端并把任何失败转换为结构化结论
type Classifier struct {
	backend Backend
	opts    Options
	logger  *logrus.Logger
}

// New 创建分类器
func New(backend Backend, opts Options, logger *logrus.Logger) *Classifier {
	if opts.PayloadLimit <= 0 {
		opts.PayloadLimit = PayloadLimit
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = logger
	}
	return &Classifier{backend: backend, opts: opts, logger: logger}
}

// Backend 返回后端名称
func (c *Classifier) Backend() string {
	return c.backend.Name()
}

// Close 释放后端持有的连接；后端未实现 io.Closer 时为空操作
func (c *Classifier) Close() error {
	if closer, ok := c.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close %s backend: %w", c.backend.Name(), err)
		}
	}
	return nil
}

// Classify 对两份证据给出结论，不返回错误
func (c *Classifier) Classify(ctx context.Context, paths []string, tree content.Tree) Verdict {
	start := time.Now()
	verdict := c.classify(ctx, paths, tree)

	c.logger.WithFields(logrus.Fields{
		"backend":  c.backend.Name(),
		"score":    verdict.Score,
		"duration": time.Since(start),
	}).Info("Classification finished")

	if c.opts.OnResult != nil {
		c.opts.OnResult(c.backend.Name(), verdict, time.Since(start))
	}
	return verdict
}

func (c *Classifier) classify(ctx context.Context, paths []string, tree content.Tree) Verdict {
	prompt, err := BuildPrompt(paths, tree, c.opts.PayloadLimit)
	if err != nil {
		c.logger.WithError(err).Error("Failed to build classifier prompt")
		return ErrorVerdict(c.backend.Name(), err)
	}

	reply, err := retry.DoValue(ctx, c.opts.Retry, func(ctx context.Context) (string, error) {
		return c.backend.Complete(ctx, prompt)
	})
	if err != nil {
		c.logger.WithError(err).WithField("backend", c.backend.Name()).Warn("Classifier call failed")
		return ErrorVerdict(c.backend.Name(), err)
	}

	verdict, err := ParseVerdict(reply)
	if err != nil {
		c.logger.WithError(err).WithField("reply", truncate(reply, 500)).Warn("Failed to parse classifier reply")
		return ErrorVerdict(c.backend.Name(), err)
	}
	return verdict
}

// NewBackend 按名称创建后端
func NewBackend(ctx context.Context, name, url, model, apiKey string, timeout time.Duration, logger *logrus.Logger) (Backend, error) {
	switch name {
	case "", "ollama":
		return NewOllamaBackend(url, model, timeout, logger), nil
	case "gemini":
		backend, err := NewGeminiBackend(ctx, apiKey, model)
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown classifier backend %q", name)
	}
}
