package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/office-analysis/office-analysis-go/internal/classifier"
	"github.com/office-analysis/office-analysis-go/internal/content"
	"github.com/office-analysis/office-analysis-go/internal/pipeline"
	"github.com/office-analysis/office-analysis-go/internal/structure"
	"github.com/office-analysis/office-analysis-go/internal/utils"
)

// Entry 一条训练样本
type Entry struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

type expectedOutput struct {
	Score  json.Number `json:"score"`
	Reason string      `json:"reason"`
}

// ExpectedOutput 按标签生成标准答案：恶意 10.0，良性 0.0
func ExpectedOutput(label string) (string, error) {
	score := 0.0
	if label == LabelMalicious {
		score = 10.0
	}
	data, err := json.Marshal(expectedOutput{
		Score:  json.Number(strconv.FormatFloat(score, 'f', 1, 64)),
		Reason: fmt.Sprintf("Known %s file hash.", label),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// LabelDirs 标签到样本目录的映射
func LabelDirs(malwareDir, benignDir string) map[string]string {
	return map[string]string{
		LabelMalicious: malwareDir,
		LabelBenign:    benignDir,
	}
}

// Options 数据集构建配置
type Options struct {
	LabelsFile   string
	OutputFile   string
	Dirs         map[string]string // 标签 -> 样本目录
	PayloadLimit int               // 结构路径截断数量
	Workers      int
}

// Stats 构建统计
type Stats struct {
	Rows         int `json:"rows"`
	Written      int `json:"written"`
	Missing      int `json:"missing"`
	UnknownLabel int `json:"unknown_label"`
	Duplicates   int `json:"duplicates"`
	Failed       int `json:"failed"`
}

// Builder 训练集构建器
type Builder struct {
	logger    *logrus.Logger
	extractor *structure.Extractor
	snapshots *content.Builder
	opts      Options
}

// NewBuilder 创建训练集构建器
func NewBuilder(logger *logrus.Logger, extractor *structure.Extractor, snapshots *content.Builder, opts Options) *Builder {
	if opts.PayloadLimit <= 0 {
		opts.PayloadLimit = classifier.PayloadLimit
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Builder{
		logger:    logger,
		extractor: extractor,
		snapshots: snapshots,
		opts:      opts,
	}
}

type buildJob struct {
	record Record
	path   string
	entry  *Entry
}

// Build 读取 labels.csv，为每个可定位且内容不重复的样本生成一行 JSONL
// 单个样本失败只计数；只有读写文件失败或 ctx 取消时返回错误
func (b *Builder) Build(ctx context.Context) (Stats, error) {
	var stats Stats

	records, err := ReadLabels(b.opts.LabelsFile)
	if err != nil {
		return stats, err
	}
	stats.Rows = len(records)

	b.logger.WithFields(logrus.Fields{
		"labels": b.opts.LabelsFile,
		"output": b.opts.OutputFile,
		"rows":   len(records),
	}).Info("Building training dataset")

	jobs := b.resolve(records, &stats)

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			entry, err := b.BuildEntry(gctx, job.path, job.record.Label)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				failed.Add(1)
				b.logger.WithError(err).WithField("file", job.record.FileName).Warn("Could not extract features")
				return nil
			}
			job.entry = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, fmt.Errorf("dataset build interrupted: %w", err)
	}
	stats.Failed = int(failed.Load())

	if err := os.MkdirAll(filepath.Dir(b.opts.OutputFile), 0755); err != nil {
		return stats, fmt.Errorf("failed to create output directory: %w", err)
	}
	writer, err := utils.CreateJSONL(b.opts.OutputFile)
	if err != nil {
		return stats, err
	}
	for _, job := range jobs {
		if job.entry == nil {
			continue
		}
		if err := writer.WriteLine(job.entry); err != nil {
			writer.Close()
			return stats, err
		}
		b.logger.WithFields(logrus.Fields{
			"file":  job.record.FileName,
			"label": job.record.Label,
		}).Debug("Training entry written")
	}
	stats.Written = writer.Lines()
	if err := writer.Close(); err != nil {
		return stats, err
	}

	b.logger.WithFields(logrus.Fields{
		"written":       stats.Written,
		"missing":       stats.Missing,
		"unknown_label": stats.UnknownLabel,
		"duplicates":    stats.Duplicates,
		"failed":        stats.Failed,
	}).Info("Training dataset built")

	return stats, nil
}

// resolve 定位样本文件并按内容哈希去重，保留首次出现的行
func (b *Builder) resolve(records []Record, stats *Stats) []*buildJob {
	seen := make(map[string]string, len(records))
	jobs := make([]*buildJob, 0, len(records))

	for _, record := range records {
		dir, ok := b.opts.Dirs[record.Label]
		if !ok {
			stats.UnknownLabel++
			b.logger.WithFields(logrus.Fields{
				"file":  record.FileName,
				"label": record.Label,
			}).Warn("Unknown label")
			continue
		}

		path := filepath.Join(dir, filepath.Base(record.FileName))
		sum, err := pipeline.HashFile(path)
		if err != nil {
			stats.Missing++
			b.logger.WithField("path", path).Warn("Labelled file is missing")
			continue
		}

		if record.SHA256 != "" && !strings.EqualFold(record.SHA256, sum) {
			b.logger.WithFields(logrus.Fields{
				"file":     record.FileName,
				"expected": record.SHA256,
				"actual":   sum,
			}).Warn("Labelled hash does not match file content")
		}

		if first, dup := seen[sum]; dup {
			stats.Duplicates++
			b.logger.WithFields(logrus.Fields{
				"file":      record.FileName,
				"duplicate": first,
			}).Debug("Skipping duplicate sample")
			continue
		}
		seen[sum] = record.FileName

		jobs = append(jobs, &buildJob{record: record, path: path})
	}
	return jobs
}

// BuildEntry 为单个样本生成训练样本；input 为两份证据，不含指令
func (b *Builder) BuildEntry(ctx context.Context, path, label string) (*Entry, error) {
	paths := b.extractor.ExtractStructure(path)

	tree, err := b.snapshots.SnapshotArchive(ctx, path)
	if err != nil {
		return nil, err
	}

	input, err := classifier.BuildEvidence(paths, tree, b.opts.PayloadLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to render evidence: %w", err)
	}

	output, err := ExpectedOutput(label)
	if err != nil {
		return nil, fmt.Errorf("failed to render expected output: %w", err)
	}

	return &Entry{
		Instruction: classifier.Instruction,
		Input:       input,
		Output:      output,
	}, nil
}
