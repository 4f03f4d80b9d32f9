package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/office-analysis/office-analysis-go/internal/pipeline"
	"github.com/office-analysis/office-analysis-go/internal/structure"
)

// PruneResult 清理结果
type PruneResult struct {
	Kept    int      `json:"kept"`
	Removed []Record `json:"removed"`
}

// Prune 从 labels.csv 中移除无法定位或不是合法 zip 容器的样本并原地重写
// 样本文件本身保持不动
func Prune(labelsFile string, dirs map[string]string, logger *logrus.Logger) (*PruneResult, error) {
	records, err := ReadLabels(labelsFile)
	if err != nil {
		return nil, err
	}

	result := &PruneResult{}
	kept := make([]Record, 0, len(records))
	for _, record := range records {
		dir, ok := dirs[record.Label]
		if ok && structure.IsContainer(filepath.Join(dir, filepath.Base(record.FileName))) {
			kept = append(kept, record)
			continue
		}

		result.Removed = append(result.Removed, record)
		logger.WithFields(logrus.Fields{
			"file":  record.FileName,
			"label": record.Label,
		}).Info("Pruned sample that is not a valid zip container")
	}
	result.Kept = len(kept)

	if err := WriteLabels(labelsFile, kept); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"kept":    result.Kept,
		"removed": len(result.Removed),
	}).Info("Labels pruned")

	return result, nil
}

// Register 把目录中的文件以指定标签追加到 labels.csv
// 已登记过的内容哈希会跳过，返回新增行数
func Register(labelsFile, dir, label, source string, logger *logrus.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read sample directory: %w", err)
	}

	known := make(map[string]bool)
	existing, err := ReadLabels(labelsFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	for _, record := range existing {
		if record.SHA256 != "" {
			known[strings.ToLower(record.SHA256)] = true
		}
	}

	var added []Record
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		sum, err := pipeline.HashFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.WithError(err).WithField("file", entry.Name()).Warn("Failed to hash sample")
			continue
		}
		if known[sum] {
			continue
		}
		known[sum] = true

		added = append(added, Record{
			SHA256:   sum,
			FileName: entry.Name(),
			Label:    label,
			Source:   source,
		})
		logger.WithFields(logrus.Fields{
			"file":  entry.Name(),
			"label": label,
		}).Debug("Sample registered")
	}

	if len(added) == 0 {
		return 0, nil
	}
	if err := AppendLabels(labelsFile, added); err != nil {
		return 0, err
	}

	logger.WithFields(logrus.Fields{
		"dir":   dir,
		"label": label,
		"added": len(added),
	}).Info("Samples registered")

	return len(added), nil
}
