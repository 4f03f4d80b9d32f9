package utils

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// JSONLWriter 并发安全的 JSONL 写入器，每次写入一整行
type JSONLWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	lines  int
}

// CreateJSONL 新建（截断）JSONL 文件
func CreateJSONL(filePath string) (*JSONLWriter, error) {
	return openJSONL(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
}

// AppendJSONL 以追加方式打开 JSONL 文件
func AppendJSONL(filePath string) (*JSONLWriter, error) {
	return openJSONL(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
}

func openJSONL(filePath string, flag int) (*JSONLWriter, error) {
	file, err := os.OpenFile(filePath, flag, 0644)
	if err != nil {
		return nil, err
	}

	return &JSONLWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024), // 64KB 缓冲
	}, nil
}

// WriteLine 写入一行 JSON，不转义 HTML 字符
func (w *JSONLWriter) WriteLine(data interface{}) error {
	line, err := MarshalLine(data)
	if err != nil {
		return fmt.Errorf("failed to marshal line: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.writer.Write(line); err != nil {
		return err
	}
	w.lines++
	return nil
}

// Lines 已写入行数
func (w *JSONLWriter) Lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

// Flush 刷新缓冲区
func (w *JSONLWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.Flush()
}

// Close 刷新并关闭
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// MarshalLine 序列化为以换行结尾的单行 JSON
func MarshalLine(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadJSONL 流式读取 JSONL 文件，逐行解析为 T 后回调
func ReadJSONL[T any](filePath string, callback func(line int, v T) error) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	return DecodeJSONL(file, callback)
}

// DecodeJSONL 从流中逐行解析，跳过空行
func DecodeJSONL[T any](r io.Reader, callback func(line int, v T) error) error {
	scanner := bufio.NewScanner(r)
	// 单行可能包含完整的宏源码，放宽到 64MB
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
		if err := callback(lineNum, v); err != nil {
			return err
		}
	}

	return scanner.Err()
}
