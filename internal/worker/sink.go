package worker

import (
	"github.com/office-analysis/office-analysis-go/internal/pipeline"
	"github.com/office-analysis/office-analysis-go/internal/utils"
)

// StatusError 单个文件处理失败
const StatusError pipeline.Status = "ERROR"

// ResultLine 结果文件中的一行
type ResultLine struct {
	pipeline.Result
	Error string `json:"error,omitempty"`
}

// ResultSink 批处理结果的去向，需支持并发写入
type ResultSink interface {
	Write(line *ResultLine) error
}

// JSONLSink 追加到 JSONL 文件，每个结果一行
type JSONLSink struct {
	writer *utils.JSONLWriter
}

// NewJSONLSink 打开结果文件；truncate 为 true 时覆盖已有内容
func NewJSONLSink(path string, truncate bool) (*JSONLSink, error) {
	open := utils.AppendJSONL
	if truncate {
		open = utils.CreateJSONL
	}
	writer, err := open(path)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{writer: writer}, nil
}

func (s *JSONLSink) Write(line *ResultLine) error {
	return s.writer.WriteLine(line)
}

// Close 刷新并关闭结果文件
func (s *JSONLSink) Close() error {
	return s.writer.Close()
}

// SinkFunc 函数适配为 ResultSink
type SinkFunc func(line *ResultLine) error

func (f SinkFunc) Write(line *ResultLine) error {
	return f(line)
}
