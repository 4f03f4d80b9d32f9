package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// MacroBinarySuffix 遗留宏二进制的文件名标记
const MacroBinarySuffix = "vbaProject.bin"

// DefaultMaxTextSize 文本叶子读取上限
const DefaultMaxTextSize int64 = 32 * 1024 * 1024

// ErrTextTooLarge 文本部件超出读取上限
var ErrTextTooLarge = errors.New("text part exceeds size limit")

// kindRule 按优先级匹配的分派规则
type kindRule struct {
	kind  LeafKind
	match func(name string) bool
}

// dispatchRules 优先级从高到低，未命中任何规则时落入 KindUnknown
var dispatchRules = []kindRule{
	{KindText, func(name string) bool {
		return strings.HasSuffix(name, ".xml") || strings.HasSuffix(name, ".rels")
	}},
	{KindMacro, func(name string) bool {
		return strings.HasSuffix(name, MacroBinarySuffix)
	}},
	{KindEmpty, func(name string) bool {
		lower := strings.ToLower(name)
		return strings.HasSuffix(lower, ".png") || strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg")
	}},
	{KindVector, func(name string) bool {
		return strings.HasSuffix(name, ".vml")
	}},
}

// Classify 根据文件名决定叶子类别，不读取内容
func Classify(name string) LeafKind {
	for _, rule := range dispatchRules {
		if rule.match(name) {
			return rule.kind
		}
	}
	return KindUnknown
}

// Dispatcher 内容变换分派器
type Dispatcher struct {
	logger      *logrus.Logger
	decompiler  MacroDecompiler
	maxTextSize int64
	onMacroFail func(err error)
}

// DispatcherOption 分派器可选配置
type DispatcherOption func(*Dispatcher)

// WithMaxTextSize 设置文本叶子读取上限
func WithMaxTextSize(n int64) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxTextSize = n
		}
	}
}

// WithMacroFailureHook 宏分析失败时回调（用于指标统计）
func WithMacroFailureHook(fn func(err error)) DispatcherOption {
	return func(d *Dispatcher) {
		d.onMacroFail = fn
	}
}

// NewDispatcher 创建分派器，decompiler 为 nil 时宏叶子始终为空
func NewDispatcher(logger *logrus.Logger, decompiler MacroDecompiler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:      logger,
		decompiler:  decompiler,
		maxTextSize: DefaultMaxTextSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Transform 计算单个文件的内容叶子，任何失败都降级为该类别的空值
func (d *Dispatcher) Transform(ctx context.Context, path string) Leaf {
	name := filepath.Base(path)

	switch Classify(name) {
	case KindText:
		return d.readText(path)
	case KindMacro:
		return d.decompileMacro(ctx, path)
	case KindEmpty:
		return EmptyLeaf()
	case KindVector:
		return VectorLeaf()
	default:
		return UnknownLeaf()
	}
}

// readText 读取文本，非法 UTF-8 字节替换为 U+FFFD，双引号替换为单引号
func (d *Dispatcher) readText(path string) Leaf {
	data, err := readLimited(path, d.maxTextSize)
	if err != nil {
		entry := d.logger.WithError(err).WithField("path", path)
		// 超限与空部件在叶子上无法区分，只能靠日志暴露
		if errors.Is(err, ErrTextTooLarge) {
			entry.WithField("limit", d.maxTextSize).Warn("Text part exceeds size limit, leaving text leaf empty")
		} else {
			entry.Debug("Failed to read text part")
		}
		return TextLeaf("")
	}
	return TextLeaf(NormalizeText(data))
}

// NormalizeText 文本叶子的规范化
func NormalizeText(data []byte) string {
	text := strings.ToValidUTF8(string(data), "\uFFFD")
	return strings.ReplaceAll(text, `"`, `'`)
}

func (d *Dispatcher) decompileMacro(ctx context.Context, path string) Leaf {
	if d.decompiler == nil {
		return MacroLeaf(nil)
	}

	raw, err := d.decompiler.Decompile(ctx, path)
	if err != nil {
		entry := d.logger.WithError(err).WithField("path", path)
		if errors.Is(err, ErrDecompilerUnavailable) {
			entry.Debug("Macro decompiler unavailable, leaving macro leaf empty")
		} else {
			entry.Warn("Macro decompilation failed, leaving macro leaf empty")
		}
		if d.onMacroFail != nil {
			d.onMacroFail(err)
		}
		return MacroLeaf(nil)
	}

	return MacroLeaf(raw)
}

func readLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTextTooLarge, limit)
	}
	return data, nil
}
