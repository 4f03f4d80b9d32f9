package content

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/office-analysis/office-analysis-go/internal/structure"
)

var (
	// ErrUnsafeEntryPath 条目路径会逃逸出解包目录
	ErrUnsafeEntryPath = errors.New("archive entry path escapes unpack directory")
	// ErrUnpackBudget 解包总字节数超出预算
	ErrUnpackBudget = errors.New("archive exceeds total unpack size")
	// ErrTooManyEntries 条目数超出上限
	ErrTooManyEntries = errors.New("archive exceeds entry count limit")
)

const (
	// DefaultMaxEntrySize 单个条目解压默认上限
	DefaultMaxEntrySize int64 = 64 * 1024 * 1024
	// DefaultMaxTotalSize 单个文件解包总量默认上限
	DefaultMaxTotalSize int64 = 512 * 1024 * 1024
	// DefaultMaxEntries 单个文件解包条目数默认上限
	DefaultMaxEntries = 10000
)

// UnpackLimits 解包资源上限，零值使用默认值
type UnpackLimits struct {
	MaxEntrySize int64
	MaxTotalSize int64
	MaxEntries   int
}

func (l UnpackLimits) withDefaults() UnpackLimits {
	if l.MaxEntrySize <= 0 {
		l.MaxEntrySize = DefaultMaxEntrySize
	}
	if l.MaxTotalSize <= 0 {
		l.MaxTotalSize = DefaultMaxTotalSize
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultMaxEntries
	}
	return l
}

// SkippedEntry 未解包的条目及原因
type SkippedEntry struct {
	Name string
	Err  error
}

// Unpacked 单个文件专属的解包目录
type Unpacked struct {
	Dir     string
	Files   int
	Bytes   int64
	Skipped []SkippedEntry
}

// Cleanup 删除解包目录，可重复调用
func (u *Unpacked) Cleanup() error {
	if u == nil || u.Dir == "" {
		return nil
	}
	err := os.RemoveAll(u.Dir)
	u.Dir = ""
	return err
}

// Unpack 将容器解包到 tempRoot 下新建的临时目录
//
// 单个条目的问题（路径逃逸、超出大小、路径冲突）以及超出总量或条目数预算的条目
// 记录在 Skipped 中，不中断解包；写盘失败等意外错误直接返回，返回前临时目录已被删除。
func Unpack(archivePath, tempRoot string, limits UnpackLimits) (*Unpacked, error) {
	limits = limits.withDefaults()

	container, err := structure.OpenContainer(archivePath)
	if err != nil {
		return nil, err
	}
	defer container.Close()

	if tempRoot != "" {
		if err := os.MkdirAll(tempRoot, 0755); err != nil {
			return nil, fmt.Errorf("failed to create temp root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(tempRoot, "office-unpack-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create unpack directory: %w", err)
	}

	unpacked := &Unpacked{Dir: dir}
	for i, entry := range container.Entries() {
		if i >= limits.MaxEntries {
			unpacked.Skipped = append(unpacked.Skipped, SkippedEntry{Name: entry.Name, Err: ErrTooManyEntries})
			continue
		}
		if err := unpackEntry(unpacked, entry, limits); err != nil {
			unpacked.Cleanup()
			return nil, err
		}
	}

	return unpacked, nil
}

func unpackEntry(u *Unpacked, entry structure.Entry, limits UnpackLimits) error {
	target, err := safeJoin(u.Dir, entry.Name)
	if err != nil {
		u.Skipped = append(u.Skipped, SkippedEntry{Name: entry.Name, Err: err})
		return nil
	}

	if strings.HasSuffix(entry.Name, "/") {
		if err := os.MkdirAll(target, 0755); err != nil {
			u.Skipped = append(u.Skipped, SkippedEntry{Name: entry.Name, Err: err})
		}
		return nil
	}

	remaining := limits.MaxTotalSize - u.Bytes
	if remaining <= 0 {
		u.Skipped = append(u.Skipped, SkippedEntry{Name: entry.Name, Err: ErrUnpackBudget})
		return nil
	}
	limit := limits.MaxEntrySize
	if remaining < limit {
		limit = remaining
	}

	data, err := entry.Read(limit)
	if errors.Is(err, structure.ErrEntryTooLarge) && limit < limits.MaxEntrySize {
		err = fmt.Errorf("%w: %s", ErrUnpackBudget, entry.Name)
	}
	if err != nil {
		u.Skipped = append(u.Skipped, SkippedEntry{Name: entry.Name, Err: err})
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		u.Skipped = append(u.Skipped, SkippedEntry{Name: entry.Name, Err: err})
		return nil
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		u.Skipped = append(u.Skipped, SkippedEntry{Name: entry.Name, Err: err})
		return nil
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", entry.Name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", entry.Name, err)
	}

	u.Files++
	u.Bytes += int64(len(data))
	return nil
}

// safeJoin 拼接条目路径并拒绝绝对路径与 .. 逃逸
func safeJoin(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntryPath, name)
	}

	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntryPath, name)
	}
	return target, nil
}
