package structure

import "strings"

// PathDelimiter 指纹路径分隔符（归档路径与 XML 元素路径共用）
const PathDelimiter = `\`

// NormalizePath 将归档内部路径统一为指纹分隔符
// zip 条目一律使用 "/"，这里是唯一的转换点
func NormalizePath(p string) string {
	return strings.ReplaceAll(p, "/", PathDelimiter)
}

// JoinPath 拼接父路径与子段
func JoinPath(parent, segment string) string {
	if parent == "" {
		return segment
	}
	return parent + PathDelimiter + segment
}
