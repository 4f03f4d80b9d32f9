package classifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/office-analysis/office-analysis-go/internal/content"
)

// PayloadLimit 发往分类器的结构路径上限
const PayloadLimit = 60

// Instruction 分析指令
const Instruction = "Analyze this Office File for malware. Return JSON {score, reason}."

// TruncatePaths 取已排序指纹的前 n 条；n <= 0 时使用 PayloadLimit
func TruncatePaths(paths []string, n int) []string {
	if n <= 0 {
		n = PayloadLimit
	}
	if len(paths) <= n {
		out := make([]string, len(paths))
		copy(out, paths)
		return out
	}
	out := make([]string, n)
	copy(out, paths[:n])
	return out
}

// BuildPrompt 拼装证据提示词：指令 + 结构路径 + 提取内容
func BuildPrompt(paths []string, tree content.Tree, limit int) (string, error) {
	evidence, err := BuildEvidence(paths, tree, limit)
	if err != nil {
		return "", err
	}
	return Instruction + "\n\n" + evidence, nil
}

// BuildEvidence 两段证据文本（不含指令），训练集的 input 字段也使用它
func BuildEvidence(paths []string, tree content.Tree, limit int) (string, error) {
	truncated := TruncatePaths(paths, limit)

	pathsJSON, err := indentJSON(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal structural paths: %w", err)
	}

	if tree == nil {
		tree = content.Tree{}
	}
	treeJSON, err := indentJSON(tree)
	if err != nil {
		return "", fmt.Errorf("failed to marshal content tree: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("CONTEXT 1: Structural Paths\n")
	sb.Write(pathsJSON)
	sb.WriteString("\nCONTEXT 2: Extracted Content\n")
	sb.Write(treeJSON)

	return sb.String(), nil
}

// indentJSON 两空格缩进、不做 HTML 转义，末尾带换行
func indentJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
