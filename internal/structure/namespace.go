package structure

import (
	"encoding/xml"
	"strings"
)

// namespaceRegistry 已知命名空间 URI -> 短前缀
// 未登记的命名空间退化为裸本地名
var namespaceRegistry = map[string]string{
	"http://schemas.openxmlformats.org/wordprocessingml/2006/main":           "w",
	"http://schemas.openxmlformats.org/officeDocument/2006/relationships":    "r",
	"http://schemas.openxmlformats.org/presentationml/2006/main":             "p",
	"http://schemas.openxmlformats.org/drawingml/2006/main":                  "a",
	"http://schemas.openxmlformats.org/spreadsheetml/2006/main":              "x",
	"http://schemas.openxmlformats.org/drawingml/2006/wordprocessingDrawing": "wp",
	"http://schemas.openxmlformats.org/markup-compatibility/2006":            "mc",
	"urn:schemas-microsoft-com:vml":                                          "v",
	"urn:schemas-microsoft-com:office:office":                                "o",
}

// Canonicalize 将带命名空间的元素名转换为短显示形式
//
//	{wordprocessingml}document -> w:document
//	{unknown-uri}foo           -> foo
//	foo                        -> foo
//	w:document（前缀未声明）   -> w:document
func Canonicalize(name xml.Name) string {
	if name.Space == "" {
		return name.Local
	}
	if prefix, ok := namespaceRegistry[name.Space]; ok {
		return prefix + ":" + name.Local
	}
	// 前缀未绑定时 encoding/xml 把前缀本身放进 Space
	if isBarePrefix(name.Space) {
		return name.Space + ":" + name.Local
	}
	return name.Local
}

func isBarePrefix(space string) bool {
	return !strings.ContainsAny(space, ":/")
}

// CanonicalizeTag 处理 Clark 记法的标签字符串（"{uri}local"）
func CanonicalizeTag(tag string) string {
	if !strings.HasPrefix(tag, "{") {
		return tag
	}
	end := strings.Index(tag, "}")
	if end < 0 {
		return tag
	}
	return Canonicalize(xml.Name{Space: tag[1:end], Local: tag[end+1:]})
}

// NamespacePrefix 查询命名空间 URI 对应的短前缀
func NamespacePrefix(uri string) (string, bool) {
	prefix, ok := namespaceRegistry[uri]
	return prefix, ok
}
