package content

import (
	"bytes"
	"encoding/json"
)

// LeafKind 内容叶子的类别，只由文件名决定
type LeafKind string

const (
	KindText    LeafKind = "text"    // .xml / .rels 规范化文本
	KindMacro   LeafKind = "macro"   // vbaProject.bin 宏分析结果
	KindEmpty   LeafKind = "empty"   // 图片，刻意置空
	KindVector  LeafKind = "vector"  // .vml 固定描述
	KindUnknown LeafKind = "unknown" // 未知类型哨兵
)

const (
	// VectorMarkupStub .vml 文件的固定描述
	VectorMarkupStub = "*vector markup language file*"
	// UnknownTypeSentinel 容器内出现未知类型文件时的哨兵值
	UnknownTypeSentinel = "*file type unknown, raise suspicion!*"
)

// Node 内容树节点：Tree（目录）或 Leaf（文件）
type Node interface {
	isNode()
}

// Leaf 单个文件的内容变换结果
type Leaf struct {
	Kind  LeafKind
	Text  string          // KindText
	Macro json.RawMessage // KindMacro，宏分析失败时为空
}

func (Leaf) isNode() {}

// TextLeaf 文本叶子
func TextLeaf(text string) Leaf {
	return Leaf{Kind: KindText, Text: text}
}

// MacroLeaf 宏分析叶子，raw 为空表示分析失败
func MacroLeaf(raw json.RawMessage) Leaf {
	return Leaf{Kind: KindMacro, Macro: raw}
}

// EmptyLeaf 空占位叶子
func EmptyLeaf() Leaf {
	return Leaf{Kind: KindEmpty}
}

// VectorLeaf 矢量标记叶子
func VectorLeaf() Leaf {
	return Leaf{Kind: KindVector}
}

// UnknownLeaf 未知类型叶子
func UnknownLeaf() Leaf {
	return Leaf{Kind: KindUnknown}
}

// Value 叶子在证据载荷中的取值
func (l Leaf) Value() interface{} {
	switch l.Kind {
	case KindText:
		return l.Text
	case KindMacro:
		if len(l.Macro) == 0 {
			return ""
		}
		return l.Macro
	case KindVector:
		return VectorMarkupStub
	case KindUnknown:
		return UnknownTypeSentinel
	default:
		return ""
	}
}

// MarshalJSON 叶子序列化为字符串或宏分析 JSON 值
func (l Leaf) MarshalJSON() ([]byte, error) {
	if l.Kind == KindMacro && len(l.Macro) > 0 {
		return l.Macro, nil
	}
	return marshalRaw(l.Value())
}

// marshalRaw 序列化但不转义 <、>、&，XML 文本保持原样
func marshalRaw(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
