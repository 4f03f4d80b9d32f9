package structure

import "strings"

// DefaultTriggers 默认可疑子串：宏二进制、宏表、ActiveX、OLE 嵌入对象、简单域
// w:fldSimple 可携带类公式的执行载荷
var DefaultTriggers = []string{
	"vbaProject.bin",
	"macrosheets",
	"activeX",
	"oleObject",
	"w:fldSimple",
}

// SieveResult 筛查结论
type SieveResult struct {
	Suspicious bool   `json:"suspicious"`
	Trigger    string `json:"trigger,omitempty"`
	Path       string `json:"path,omitempty"`
}

// Verdict 文本形式的结论
func (r SieveResult) Verdict() string {
	if r.Suspicious {
		return "suspicious"
	}
	return "benign"
}

// Sieve 基于固定子串列表的低成本筛查
// 子串可出现在路径任意位置，宁可误报不可漏报
type Sieve struct {
	triggers []string
}

// NewSieve 创建筛查器，triggers 为空时使用默认列表
func NewSieve(triggers []string) *Sieve {
	if len(triggers) == 0 {
		triggers = DefaultTriggers
	}
	return &Sieve{triggers: append([]string(nil), triggers...)}
}

// Triggers 返回触发子串列表副本
func (s *Sieve) Triggers() []string {
	return append([]string(nil), s.triggers...)
}

// Check 在首个命中处短路返回
func (s *Sieve) Check(paths []string) SieveResult {
	for _, p := range paths {
		for _, trigger := range s.triggers {
			if strings.Contains(p, trigger) {
				return SieveResult{Suspicious: true, Trigger: trigger, Path: p}
			}
		}
	}
	return SieveResult{}
}
