package structure

import (
	"fmt"
	"strings"
	"testing"
)

func benchmarkDocument(paragraphs int) []archiveEntry {
	var body strings.Builder
	body.WriteString(`<w:document xmlns:w="` + wordNS + `"><w:body>`)
	for i := 0; i < paragraphs; i++ {
		fmt.Fprintf(&body, `<w:p><w:r><w:t>paragraph %d</w:t></w:r></w:p>`, i)
	}
	body.WriteString(`</w:body></w:document>`)

	return []archiveEntry{
		{"[Content_Types].xml", `<Types xmlns="` + contentTypesNS + `"><Default Extension="xml"/></Types>`},
		{"word/document.xml", body.String()},
		{"word/media/image1.png", "png"},
	}
}

// BenchmarkExtractStructure 测试单文件指纹提取性能
func BenchmarkExtractStructure(b *testing.B) {
	path := writeArchive(b, "bench.docx", benchmarkDocument(500))
	extractor := newTestExtractor()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = extractor.ExtractStructure(path)
	}
}

// BenchmarkExtractStructure_Parallel 测试并发提取，每次调用独占指纹集合
func BenchmarkExtractStructure_Parallel(b *testing.B) {
	path := writeArchive(b, "bench.docx", benchmarkDocument(500))
	extractor := newTestExtractor()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = extractor.ExtractStructure(path)
		}
	})
}

// BenchmarkSieve_Check 测试可疑子串筛查性能
func BenchmarkSieve_Check(b *testing.B) {
	paths := make([]string, 0, 2000)
	for i := 0; i < 2000; i++ {
		paths = append(paths, fmt.Sprintf(`word\document.xml\w:document\w:body\w:p%d`, i))
	}
	sieve := NewSieve(nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = sieve.Check(paths)
	}
}
