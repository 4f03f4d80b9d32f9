package structure

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultMaxDepth XML 元素最大递归深度，超出部分的后代直接跳过
const DefaultMaxDepth = 256

var (
	errNoRootElement = errors.New("xml document has no root element")
	errExtraContent  = errors.New("xml document has content after the root element")
)

// RecursePaths 深度优先遍历 XML 文档，返回所有根到节点的路径（去重，按首次访问顺序）
//
// 每个元素的路径为 containerPath + 分隔符 + 各级规范化标签名。
// 结果是纯函数输出，由调用方合并进自己的指纹集合。
// 文档无法完整解析时返回错误且不返回任何路径。
func RecursePaths(r io.Reader, containerPath string, maxDepth int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	decoder := xml.NewDecoder(utf8Reader(r))
	decoder.CharsetReader = charsetReader

	var stack []string // 深度限制内已打开元素的路径
	var paths []string
	seen := make(map[string]struct{})
	depth := 0
	sawRoot := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 && sawRoot {
				return nil, errExtraContent
			}
			sawRoot = true
			depth++
			if depth > maxDepth {
				continue
			}

			parent := containerPath
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}
			p := JoinPath(parent, Canonicalize(t.Name))
			stack = append(stack, p)

			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				paths = append(paths, p)
			}

		case xml.EndElement:
			if depth <= maxDepth {
				stack = stack[:len(stack)-1]
			}
			depth--
		}
	}

	if !sawRoot {
		return nil, errNoRootElement
	}

	return paths, nil
}

var (
	utf8BOM     = []byte{0xEF, 0xBB, 0xBF}
	utf16LEBOM  = []byte{0xFF, 0xFE}
	utf16BEBOM  = []byte{0xFE, 0xFF}
	utf16LEOpen = []byte{'<', 0x00, '?', 0x00}
	utf16BEOpen = []byte{0x00, '<', 0x00, '?'}
)

// utf8Reader 在 xml 解码前把带 BOM 或 UTF-16 编码的部件转成 UTF-8
// encoding/xml 按 UTF-8 读取声明，UTF-16 部件到不了 CharsetReader
func utf8Reader(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	head, _ := br.Peek(4)

	switch {
	case bytes.HasPrefix(head, utf8BOM), bytes.HasPrefix(head, utf16LEBOM), bytes.HasPrefix(head, utf16BEBOM):
		return transform.NewReader(br, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	case bytes.Equal(head, utf16LEOpen):
		return transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder())
	case bytes.Equal(head, utf16BEOpen):
		return transform.NewReader(br, unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder())
	}
	return br
}

// charsetReader 声明为 UTF-16 的部件已由 utf8Reader 转码，原样返回
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	normalized := strings.ToLower(strings.TrimSpace(label))
	if strings.HasPrefix(normalized, "utf-16") || strings.HasPrefix(normalized, "utf16") {
		return input, nil
	}
	return charset.NewReaderLabel(label, input)
}
