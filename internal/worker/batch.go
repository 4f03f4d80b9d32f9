package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/office-analysis/office-analysis-go/internal/pipeline"
)

// Analyzer 单文件分析
type Analyzer interface {
	Analyze(ctx context.Context, path string) (*pipeline.Result, error)
}

// Summary 批处理统计
type Summary struct {
	Total      int           `json:"total"`
	Clean      int           `json:"clean"`
	Suspicious int           `json:"suspicious"`
	Classified int           `json:"classified"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// BatchRunner 有界并发的批量分析
//
// 每个文件的分析本身是串行的；多个文件并行处理，结果按完成顺序写入 sink。
// 单个文件失败只记录在结果行中，不中断整批。
type BatchRunner struct {
	analyzer Analyzer
	sink     ResultSink
	workers  int
	logger   *logrus.Logger

	mu      sync.Mutex
	summary Summary
}

// NewBatchRunner 创建批处理器
func NewBatchRunner(analyzer Analyzer, sink ResultSink, workers int, logger *logrus.Logger) *BatchRunner {
	if workers <= 0 {
		workers = 1
	}
	return &BatchRunner{
		analyzer: analyzer,
		sink:     sink,
		workers:  workers,
		logger:   logger,
	}
}

// Run 处理全部文件；ctx 取消时停止投递并返回已完成部分的统计
func (b *BatchRunner) Run(ctx context.Context, files []string) (Summary, error) {
	start := time.Now()
	b.mu.Lock()
	b.summary = Summary{}
	b.mu.Unlock()

	pool := NewPool(b.workers, b.workers*2, ProcessorFunc(b.process), b.logger)
	pool.Start(ctx)

	var enqueueErr error
	for i, file := range files {
		task := &Task{ID: strconv.Itoa(i + 1), FilePath: file}
		if err := pool.Enqueue(ctx, task); err != nil {
			enqueueErr = err
			break
		}
	}
	pool.Stop()

	b.mu.Lock()
	summary := b.summary
	b.mu.Unlock()
	summary.Duration = time.Since(start)

	b.logger.WithFields(logrus.Fields{
		"total":      summary.Total,
		"clean":      summary.Clean,
		"suspicious": summary.Suspicious,
		"classified": summary.Classified,
		"failed":     summary.Failed,
		"duration":   summary.Duration,
	}).Info("Batch finished")

	if enqueueErr != nil {
		return summary, fmt.Errorf("batch interrupted: %w", enqueueErr)
	}
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("batch interrupted: %w", err)
	}
	return summary, nil
}

func (b *BatchRunner) process(ctx context.Context, task *Task) error {
	result, err := b.analyzer.Analyze(ctx, task.FilePath)

	line := &ResultLine{}
	if err != nil {
		b.logger.WithError(err).WithField("file", task.FilePath).Warn("File analysis failed")
		line.File = task.FilePath
		line.Status = StatusError
		line.Error = err.Error()
	} else {
		line.Result = *result
	}

	b.count(line.Status)

	if werr := b.sink.Write(line); werr != nil {
		return fmt.Errorf("failed to write result for %s: %w", task.FilePath, werr)
	}
	return nil
}

func (b *BatchRunner) count(status pipeline.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.summary.Total++
	switch status {
	case pipeline.StatusClean:
		b.summary.Clean++
	case pipeline.StatusSuspicious:
		b.summary.Suspicious++
	case pipeline.StatusClassified:
		b.summary.Classified++
	default:
		b.summary.Failed++
	}
}

// CollectFiles 列出目录下的普通文件（不递归，跳过子目录），按名称排序
func CollectFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}
