package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/office-analysis/office-analysis-go/internal/classifier"
	"github.com/office-analysis/office-analysis-go/internal/content"
	"github.com/office-analysis/office-analysis-go/internal/structure"
)

var (
	// ErrFileMissing 文件不存在、不可读或是目录
	ErrFileMissing = errors.New("file missing or unreadable")
	// ErrUnpack 可疑文件解包失败（磁盘写满等）
	ErrUnpack = errors.New("failed to unpack archive")
)

// Status 单个文件的处理结论
type Status string

const (
	StatusClean      Status = "CLEAN"      // 筛查未命中，未提取内容
	StatusSuspicious Status = "SUSPICIOUS" // 筛查命中，未配置分类器
	StatusClassified Status = "CLASSIFIED" // 筛查命中并已分类
)

// Result 单个文件的分析结果
type Result struct {
	File        string                `json:"file"`
	SHA256      string                `json:"sha256"`
	Size        int64                 `json:"size"`
	IsContainer bool                  `json:"is_container"`
	PathCount   int                   `json:"path_count"`
	Malformed   int                   `json:"malformed_members,omitempty"`
	Sieve       structure.SieveResult `json:"sieve"`
	Status      Status                `json:"status"`
	Verdict     *classifier.Verdict   `json:"verdict,omitempty"`
	Cached      bool                  `json:"cached,omitempty"`
	DurationMS  int64                 `json:"duration_ms"`

	// 证据不进入结果行，由调用方按需持久化
	Paths   []string     `json:"-"`
	Content content.Tree `json:"-"`
}

// Recorder 分析过程指标
type Recorder interface {
	RecordSieve(result structure.SieveResult)
	RecordAnalysis(status Status, elapsed time.Duration)
	RecordCacheHit()
}

// Options 流水线配置
type Options struct {
	CacheSize int      // 按 SHA-256 缓存结果的条目数，<= 0 关闭缓存
	Recorder  Recorder // 可为 nil
}

// Analyzer 单文件串行流水线：指纹 → 筛查 → 解包 → 内容树 → 分类
type Analyzer struct {
	logger     *logrus.Logger
	extractor  *structure.Extractor
	builder    *content.Builder
	classifier *classifier.Classifier
	cache      *lru.Cache[string, *Result]
	recorder   Recorder
}

// NewAnalyzer 创建分析流水线；cls 为 nil 时可疑文件只提取内容不分类
func NewAnalyzer(logger *logrus.Logger, extractor *structure.Extractor, builder *content.Builder, cls *classifier.Classifier, opts Options) (*Analyzer, error) {
	a := &Analyzer{
		logger:     logger,
		extractor:  extractor,
		builder:    builder,
		classifier: cls,
		recorder:   opts.Recorder,
	}

	if opts.CacheSize > 0 {
		cache, err := lru.New[string, *Result](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create result cache: %w", err)
		}
		a.cache = cache
	}

	return a, nil
}

// Analyze 分析单个文件
//
// 只有文件缺失和解包写盘失败会返回错误；畸形成员、宏反编译失败、
// 分类器不可达都已在各阶段被吸收。
func (a *Analyzer) Analyze(ctx context.Context, path string) (*Result, error) {
	start := time.Now()

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileMissing, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrFileMissing, path)
	}

	sum, err := HashFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileMissing, err)
	}

	log := a.logger.WithFields(logrus.Fields{
		"file":   filepath.Base(path),
		"sha256": sum,
	})

	if cached, ok := a.lookup(sum); ok {
		cached.File = path
		log.WithField("status", cached.Status).Debug("Analysis served from cache")
		if a.recorder != nil {
			a.recorder.RecordCacheHit()
		}
		return cached, nil
	}

	structureResult := a.extractor.Extract(path)
	paths := structureResult.Paths.Sorted()
	sieve := a.extractor.Sieve().Check(paths)
	if a.recorder != nil {
		a.recorder.RecordSieve(sieve)
	}

	result := &Result{
		File:        path,
		SHA256:      sum,
		Size:        info.Size(),
		IsContainer: structureResult.IsContainer,
		PathCount:   len(paths),
		Malformed:   structureResult.MalformedCount,
		Sieve:       sieve,
		Status:      StatusClean,
		Paths:       paths,
	}

	if sieve.Suspicious {
		log.WithFields(logrus.Fields{
			"trigger": sieve.Trigger,
			"path":    sieve.Path,
		}).Info("Sieve flagged document")

		tree, err := a.builder.SnapshotArchive(ctx, path)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %w", ErrUnpack, err)
		}
		result.Content = tree
		result.Status = StatusSuspicious

		if a.classifier != nil {
			verdict := a.classifier.Classify(ctx, paths, tree)
			result.Verdict = &verdict
			result.Status = StatusClassified
		}
	}

	elapsed := time.Since(start)
	result.DurationMS = elapsed.Milliseconds()

	log.WithFields(logrus.Fields{
		"status":      result.Status,
		"paths":       result.PathCount,
		"duration_ms": result.DurationMS,
	}).Info("Analysis completed")

	if a.recorder != nil {
		a.recorder.RecordAnalysis(result.Status, elapsed)
	}

	// 分类器不可达的结论不缓存，下次重新尝试
	if result.Verdict == nil || !result.Verdict.Failed() {
		a.store(result)
	}

	return result, nil
}

func (a *Analyzer) lookup(sum string) (*Result, bool) {
	if a.cache == nil {
		return nil, false
	}
	cached, ok := a.cache.Get(sum)
	if !ok {
		return nil, false
	}
	clone := *cached
	clone.Cached = true
	return &clone, true
}

func (a *Analyzer) store(result *Result) {
	if a.cache == nil {
		return
	}
	clone := *result
	a.cache.Add(result.SHA256, &clone)
}
