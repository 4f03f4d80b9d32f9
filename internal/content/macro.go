package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

var (
	// ErrDecompilerUnavailable 外部宏分析工具不存在
	ErrDecompilerUnavailable = errors.New("macro decompiler is not available")
	// ErrNoJSONOutput 工具输出中找不到可解析的 JSON 对象
	ErrNoJSONOutput = errors.New("macro decompiler produced no parsable json object")
)

// MacroDecompiler 宏分析适配器
// 返回值必须是合法的 JSON
type MacroDecompiler interface {
	Decompile(ctx context.Context, path string) (json.RawMessage, error)
}

// DefaultMacroTimeout 外部工具默认超时
const DefaultMacroTimeout = 60 * time.Second

// OlevbaDecompiler 通过子进程调用 olevba --json
type OlevbaDecompiler struct {
	tool    string
	timeout time.Duration
}

// NewOlevbaDecompiler 创建 olevba 适配器
func NewOlevbaDecompiler(tool string, timeout time.Duration) *OlevbaDecompiler {
	if tool == "" {
		tool = "olevba"
	}
	if timeout <= 0 {
		timeout = DefaultMacroTimeout
	}
	return &OlevbaDecompiler{tool: tool, timeout: timeout}
}

// Decompile 运行外部工具并截取第一个 { 到最后一个 } 之间的 JSON
func (d *OlevbaDecompiler) Decompile(ctx context.Context, path string) (json.RawMessage, error) {
	toolPath, err := exec.LookPath(d.tool)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecompilerUnavailable, d.tool)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, toolPath, "--json", path)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s timed out after %s: %w", d.tool, d.timeout, ctx.Err())
		}
		return nil, fmt.Errorf("%s failed: %w", d.tool, err)
	}

	return ExtractJSONObject(output)
}

// ExtractJSONObject 截取输出中第一个 { 到最后一个 } 的片段并校验
func ExtractJSONObject(output []byte) (json.RawMessage, error) {
	start := bytes.IndexByte(output, '{')
	end := bytes.LastIndexByte(output, '}')
	if start < 0 || end <= start {
		return nil, ErrNoJSONOutput
	}

	candidate := output[start : end+1]
	if !json.Valid(candidate) {
		return nil, fmt.Errorf("%w: invalid json in output", ErrNoJSONOutput)
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, candidate); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoJSONOutput, err)
	}
	return json.RawMessage(compacted.Bytes()), nil
}

// FallbackDecompiler 依次尝试多个适配器，仅在前者不可用时回退
type FallbackDecompiler struct {
	chain []MacroDecompiler
}

// NewFallbackDecompiler 创建回退链
func NewFallbackDecompiler(chain ...MacroDecompiler) *FallbackDecompiler {
	return &FallbackDecompiler{chain: chain}
}

// Decompile 返回第一个可用适配器的结果
func (f *FallbackDecompiler) Decompile(ctx context.Context, path string) (json.RawMessage, error) {
	lastErr := ErrDecompilerUnavailable
	for _, d := range f.chain {
		raw, err := d.Decompile(ctx, path)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, ErrDecompilerUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
