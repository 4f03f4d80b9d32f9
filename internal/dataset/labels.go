package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// 标签取值
const (
	LabelMalicious = "Malicious"
	LabelBenign    = "Benign"
)

// labelsHeader labels.csv 的列顺序
var labelsHeader = []string{"sha256", "filename", "label", "source"}

// Record labels.csv 中的一行
type Record struct {
	SHA256   string
	FileName string
	Label    string
	Source   string
}

func (r Record) row() []string {
	return []string{r.SHA256, r.FileName, r.Label, r.Source}
}

// ReadLabels 按表头列名读取 labels.csv，缺少 filename 或 label 列时报错
func ReadLabels(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read labels header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, required := range []string{"filename", "label"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("labels file is missing column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []Record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read labels row: %w", err)
		}
		records = append(records, Record{
			SHA256:   field(row, "sha256"),
			FileName: field(row, "filename"),
			Label:    field(row, "label"),
			Source:   field(row, "source"),
		})
	}
	return records, nil
}

// WriteLabels 整体重写 labels.csv；先写临时文件再替换
func WriteLabels(path string, records []Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".labels-*.csv")
	if err != nil {
		return fmt.Errorf("failed to create temp labels file: %w", err)
	}
	defer os.Remove(tmp.Name())

	writer := csv.NewWriter(tmp)
	if err := writer.Write(labelsHeader); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write labels header: %w", err)
	}
	for _, record := range records {
		if err := writer.Write(record.row()); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write labels row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush labels file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp labels file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace labels file: %w", err)
	}
	return nil
}

// AppendLabels 追加行；文件不存在或为空时先写表头
func AppendLabels(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create labels directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open labels file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat labels file: %w", err)
	}

	writer := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := writer.Write(labelsHeader); err != nil {
			return fmt.Errorf("failed to write labels header: %w", err)
		}
	}
	for _, record := range records {
		if err := writer.Write(record.row()); err != nil {
			return fmt.Errorf("failed to write labels row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
