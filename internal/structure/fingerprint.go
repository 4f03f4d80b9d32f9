package structure

import (
	"bytes"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// xmlBearingSuffixes 需要展开 XML 元素路径的条目后缀
var xmlBearingSuffixes = []string{".xml", ".rels"}

// FingerprintSet 单次分析独占的无序去重路径集合，只增不减
type FingerprintSet struct {
	paths map[string]struct{}
}

// NewFingerprintSet 创建空指纹集合
func NewFingerprintSet() *FingerprintSet {
	return &FingerprintSet{paths: make(map[string]struct{})}
}

// Add 合并路径
func (s *FingerprintSet) Add(paths ...string) {
	for _, p := range paths {
		s.paths[p] = struct{}{}
	}
}

// Contains 判断路径是否存在
func (s *FingerprintSet) Contains(p string) bool {
	_, ok := s.paths[p]
	return ok
}

// Len 路径数量
func (s *FingerprintSet) Len() int {
	return len(s.paths)
}

// Sorted 返回排序后的路径序列（对外唯一暴露形式）
func (s *FingerprintSet) Sorted() []string {
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Structure 一次结构提取的结果
type Structure struct {
	Paths          *FingerprintSet
	IsContainer    bool
	EntryCount     int
	XMLPartCount   int
	MalformedCount int
}

// Options 结构提取配置
type Options struct {
	MaxDepth     int      // XML 递归深度上限
	MaxEntrySize int64    // 单个 XML 条目读取上限（字节）
	Triggers     []string // 筛查触发子串，为空时使用默认列表
}

// DefaultOptions 默认配置
func DefaultOptions() Options {
	return Options{
		MaxDepth:     DefaultMaxDepth,
		MaxEntrySize: 64 * 1024 * 1024,
	}
}

// Extractor 结构指纹提取器（筛查宿主）
// 不持有任何跨调用状态，可并发复用
type Extractor struct {
	logger *logrus.Logger
	opts   Options
	sieve  *Sieve
}

// NewExtractor 创建结构指纹提取器
func NewExtractor(logger *logrus.Logger, opts Options) *Extractor {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Extractor{
		logger: logger,
		opts:   opts,
		sieve:  NewSieve(opts.Triggers),
	}
}

// Sieve 返回提取器使用的筛查器
func (e *Extractor) Sieve() *Sieve {
	return e.sieve
}

// Extract 遍历容器，构建全新的指纹集合
func (e *Extractor) Extract(path string) *Structure {
	result := &Structure{Paths: NewFingerprintSet()}

	container, err := OpenContainer(path)
	if err != nil {
		e.logger.WithField("file", path).WithError(err).Debug("Not an archive container, structure is empty")
		return result
	}
	defer container.Close()

	result.IsContainer = true

	for _, entry := range container.Entries() {
		result.EntryCount++
		result.Paths.Add(entry.Path)

		if !isXMLBearing(entry.Name) {
			continue
		}
		result.XMLPartCount++

		data, err := entry.Read(e.opts.MaxEntrySize)
		if err != nil {
			result.MalformedCount++
			e.logger.WithFields(logrus.Fields{
				"file":  path,
				"entry": entry.Name,
			}).WithError(err).Debug("Skipping unreadable archive member")
			continue
		}

		elementPaths, err := RecursePaths(bytes.NewReader(data), entry.Path, e.opts.MaxDepth)
		if err != nil {
			result.MalformedCount++
			e.logger.WithFields(logrus.Fields{
				"file":  path,
				"entry": entry.Name,
			}).WithError(err).Debug("Skipping malformed xml member")
			continue
		}
		result.Paths.Add(elementPaths...)
	}

	e.logger.WithFields(logrus.Fields{
		"file":      path,
		"entries":   result.EntryCount,
		"xml_parts": result.XMLPartCount,
		"malformed": result.MalformedCount,
		"paths":     result.Paths.Len(),
	}).Debug("Structure extracted")

	return result
}

// ExtractStructure 返回排序后的结构指纹；非容器返回空序列
func (e *Extractor) ExtractStructure(path string) []string {
	return e.Extract(path).Paths.Sorted()
}

// RunSieve 提取结构并筛查，命中任一触发子串即为可疑
func (e *Extractor) RunSieve(path string) bool {
	return e.sieve.Check(e.ExtractStructure(path)).Suspicious
}

func isXMLBearing(name string) bool {
	for _, suffix := range xmlBearingSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
