package structure

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
)

// ErrNotContainer 输入文件不是 zip 容器
var ErrNotContainer = errors.New("file is not a zip container")

// ErrEntryTooLarge 条目解压后超出大小限制
var ErrEntryTooLarge = errors.New("archive entry exceeds size limit")

// Entry 容器内的单个条目
type Entry struct {
	Name string // zip 原始名称
	Path string // 规范化后的指纹路径
	file *zip.File
}

// Read 读取条目的原始字节，maxSize <= 0 表示不限制
func (e Entry) Read(maxSize int64) ([]byte, error) {
	rc, err := e.file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open entry %s: %w", e.Name, err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if maxSize > 0 {
		r = io.LimitReader(rc, maxSize+1)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %s: %w", e.Name, err)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: %s", ErrEntryTooLarge, e.Name)
	}

	return data, nil
}

// Container 已打开的 zip 容器
type Container struct {
	reader  *zip.ReadCloser
	entries []Entry
}

// OpenContainer 以 zip 方式打开文件
// 任何打开失败都视为"不是容器"，由调用方决定是否记录
func OpenContainer(path string) (*Container, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotContainer, err)
	}

	entries := make([]Entry, 0, len(reader.File))
	for _, f := range reader.File {
		entries = append(entries, Entry{
			Name: f.Name,
			Path: NormalizePath(f.Name),
			file: f,
		})
	}

	return &Container{reader: reader, entries: entries}, nil
}

// Entries 返回全部条目（zip 中央目录顺序）
func (c *Container) Entries() []Entry {
	return c.entries
}

// Close 关闭容器
func (c *Container) Close() error {
	return c.reader.Close()
}

// IsContainer 判断文件是否为合法 zip 容器
func IsContainer(path string) bool {
	c, err := OpenContainer(path)
	if err != nil {
		return false
	}
	c.Close()
	return true
}
