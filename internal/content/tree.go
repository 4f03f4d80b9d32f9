package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Tree 按目录层级组织的内容快照，值为子 Tree 或 Leaf
type Tree map[string]Node

func (Tree) isNode() {}

// LeafCount 统计叶子数量
func (t Tree) LeafCount() int {
	count := 0
	for _, node := range t {
		switch n := node.(type) {
		case Tree:
			count += n.LeafCount()
		case Leaf:
			count++
		}
	}
	return count
}

// Lookup 按路径段逐级查找节点
func (t Tree) Lookup(segments ...string) (Node, bool) {
	var current Node = t
	for _, segment := range segments {
		dir, ok := current.(Tree)
		if !ok {
			return nil, false
		}
		current, ok = dir[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// MarshalIndent 以缩进 JSON 输出（键按字典序）
func (t Tree) MarshalIndent(indent string) ([]byte, error) {
	return json.MarshalIndent(t, "", indent)
}

// BuilderOptions 内容快照配置
type BuilderOptions struct {
	TempDir      string // 解包临时目录的父目录，为空使用系统临时目录
	MaxEntrySize int64  // 单个条目解压上限
	MaxTotalSize int64  // 单个文件解包总量上限
	MaxEntries   int    // 单个文件解包条目数上限
}

// Builder 内容快照提取器
// 每次调用独立构建新的 Tree，不持有跨调用状态
type Builder struct {
	logger     *logrus.Logger
	dispatcher *Dispatcher
	opts       BuilderOptions
}

// NewBuilder 创建内容快照提取器
func NewBuilder(logger *logrus.Logger, dispatcher *Dispatcher, opts BuilderOptions) *Builder {
	return &Builder{
		logger:     logger,
		dispatcher: dispatcher,
		opts:       opts,
	}
}

// BuildContentTree 自顶向下遍历已解包的目录，镜像其层级结构
func (b *Builder) BuildContentTree(ctx context.Context, dir string) (Tree, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat content root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content root %s is not a directory", dir)
	}

	return b.buildDir(ctx, dir)
}

func (b *Builder) buildDir(ctx context.Context, dir string) (Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	tree := make(Tree, len(entries))
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())

		switch {
		case entry.IsDir():
			sub, err := b.buildDir(ctx, full)
			if err != nil {
				return nil, err
			}
			tree[entry.Name()] = sub
		case entry.Type().IsRegular():
			tree[entry.Name()] = b.dispatcher.Transform(ctx, full)
		default:
			b.logger.WithField("path", full).Debug("Skipping non-regular file")
		}
	}

	return tree, nil
}

// SnapshotArchive 解包到独立临时目录、构建内容树，并在任何退出路径上清理
func (b *Builder) SnapshotArchive(ctx context.Context, archivePath string) (Tree, error) {
	unpacked, err := Unpack(archivePath, b.opts.TempDir, UnpackLimits{
		MaxEntrySize: b.opts.MaxEntrySize,
		MaxTotalSize: b.opts.MaxTotalSize,
		MaxEntries:   b.opts.MaxEntries,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := unpacked.Cleanup(); cerr != nil {
			b.logger.WithError(cerr).WithField("dir", unpacked.Dir).Warn("Failed to remove unpack directory")
		}
	}()

	for _, skipped := range unpacked.Skipped {
		b.logger.WithFields(logrus.Fields{
			"file":  archivePath,
			"entry": skipped.Name,
		}).WithError(skipped.Err).Debug("Archive member not unpacked")
	}

	tree, err := b.BuildContentTree(ctx, unpacked.Dir)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to build content tree: %w", err)
	}

	b.logger.WithFields(logrus.Fields{
		"file":    archivePath,
		"files":   unpacked.Files,
		"skipped": len(unpacked.Skipped),
		"leaves":  tree.LeafCount(),
	}).Debug("Content snapshot built")

	return tree, nil
}
