package structure

import (
	"archive/zip"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

const (
	wordNS         = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	contentTypesNS = "http://schemas.openxmlformats.org/package/2006/content-types"
)

type archiveEntry struct {
	name string
	body string
}

// writeArchive 在临时目录生成 zip 容器
func writeArchive(t testing.TB, name string, entries []archiveEntry) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = io.WriteString(w, e.body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	return path
}

func newTestExtractor() *Extractor {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewExtractor(logger, DefaultOptions())
}

// TestCanonicalize 测试命名空间规范化
func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   xml.Name
		want string
	}{
		{"word namespace", xml.Name{Space: wordNS, Local: "document"}, "w:document"},
		{"drawing namespace", xml.Name{Space: "http://schemas.openxmlformats.org/drawingml/2006/main", Local: "blip"}, "a:blip"},
		{"relationships namespace", xml.Name{Space: "http://schemas.openxmlformats.org/officeDocument/2006/relationships", Local: "id"}, "r:id"},
		{"presentation namespace", xml.Name{Space: "http://schemas.openxmlformats.org/presentationml/2006/main", Local: "sld"}, "p:sld"},
		{"unknown namespace", xml.Name{Space: "http://example.com/ns", Local: "thing"}, "thing"},
		{"no namespace", xml.Name{Local: "Types"}, "Types"},
		{"empty", xml.Name{}, ""},
		{"unbound prefix", xml.Name{Space: "w", Local: "fldSimple"}, "w:fldSimple"},
		{"unknown urn", xml.Name{Space: "urn:unknown", Local: "thing"}, "thing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Canonicalize(tt.in))
		})
	}
}

// TestCanonicalizeTag 测试 Clark 记法
func TestCanonicalizeTag(t *testing.T) {
	assert.Equal(t, "w:p", CanonicalizeTag("{"+wordNS+"}p"))
	assert.Equal(t, "p", CanonicalizeTag("{urn:unknown}p"))
	assert.Equal(t, "plain", CanonicalizeTag("plain"))
	assert.Equal(t, "{broken", CanonicalizeTag("{broken"))
}

// TestNormalizePath 测试路径分隔符规范化
func TestNormalizePath(t *testing.T) {
	assert.Equal(t, `word\media\image1.png`, NormalizePath("word/media/image1.png"))
	assert.Equal(t, `[Content_Types].xml`, NormalizePath("[Content_Types].xml"))
	assert.Equal(t, `a\b`, JoinPath("a", "b"))
	assert.Equal(t, "b", JoinPath("", "b"))
}

// TestRecursePaths 测试 XML 路径递归
func TestRecursePaths(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="` + wordNS + `">
  <w:body>
    <w:p><w:r><w:t>hello</w:t></w:r></w:p>
    <w:p><w:r><w:t>again</w:t></w:r></w:p>
  </w:body>
</w:document>`

	paths, err := RecursePaths(strings.NewReader(doc), `word\document.xml`, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{
		`word\document.xml\w:document`,
		`word\document.xml\w:document\w:body`,
		`word\document.xml\w:document\w:body\w:p`,
		`word\document.xml\w:document\w:body\w:p\w:r`,
		`word\document.xml\w:document\w:body\w:p\w:r\w:t`,
	}, paths, "every node is recorded once, not only leaves")
}

func encodeUTF16(t *testing.T, order unicode.Endianness, bom unicode.BOMPolicy, s string) string {
	t.Helper()
	out, err := unicode.UTF16(order, bom).NewEncoder().String(s)
	require.NoError(t, err)
	return out
}

// TestRecursePaths_Encodings 测试 UTF-16 与带 BOM 的部件
func TestRecursePaths_Encodings(t *testing.T) {
	want := []string{`part.xml\w:document`, `part.xml\w:document\w:body`}

	tests := []struct {
		name string
		doc  string
	}{
		{"utf-16le with bom", encodeUTF16(t, unicode.LittleEndian, unicode.UseBOM,
			`<?xml version="1.0" encoding="UTF-16"?><w:document xmlns:w="`+wordNS+`"><w:body/></w:document>`)},
		{"utf-16be with bom", encodeUTF16(t, unicode.BigEndian, unicode.UseBOM,
			`<?xml version="1.0" encoding="UTF-16"?><w:document xmlns:w="`+wordNS+`"><w:body/></w:document>`)},
		{"utf-16be without bom", encodeUTF16(t, unicode.BigEndian, unicode.IgnoreBOM,
			`<?xml version="1.0" encoding="UTF-16BE"?><w:document xmlns:w="`+wordNS+`"><w:body/></w:document>`)},
		{"utf-8 with bom", "\xEF\xBB\xBF" + `<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="` + wordNS + `"><w:body/></w:document>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths, err := RecursePaths(strings.NewReader(tt.doc), "part.xml", 0)
			require.NoError(t, err)
			assert.Equal(t, want, paths)
		})
	}
}

// TestRecursePaths_UnboundPrefix 未声明的前缀保留在路径中
func TestRecursePaths_UnboundPrefix(t *testing.T) {
	paths, err := RecursePaths(strings.NewReader(`<w:document><w:fldSimple/></w:document>`), "part.xml", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{`part.xml\w:document`, `part.xml\w:document\w:fldSimple`}, paths)
}

// TestRecursePaths_Malformed 测试无法解析的 XML
func TestRecursePaths_Malformed(t *testing.T) {
	cases := map[string]string{
		"unclosed":      `<a><b></a>`,
		"truncated":     `<a><b>`,
		"empty":         ``,
		"text only":     `just text`,
		"extra content": `<a/><b/>`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			paths, err := RecursePaths(strings.NewReader(doc), "part.xml", 0)
			assert.Error(t, err)
			assert.Nil(t, paths)
		})
	}
}

// TestRecursePaths_DepthBound 测试深度上限
func TestRecursePaths_DepthBound(t *testing.T) {
	doc := strings.Repeat("<n>", 50) + strings.Repeat("</n>", 50)

	paths, err := RecursePaths(strings.NewReader(doc), "deep.xml", 10)
	require.NoError(t, err)
	assert.Len(t, paths, 10)

	deepest := paths[len(paths)-1]
	assert.Equal(t, 10, strings.Count(deepest, `\n`))
}

// TestRecursePaths_SiblingAfterDeepSubtree 测试跳过深层后代后仍能继续遍历兄弟节点
func TestRecursePaths_SiblingAfterDeepSubtree(t *testing.T) {
	doc := `<root><a><b><c><d/></c></b></a><z/></root>`

	paths, err := RecursePaths(strings.NewReader(doc), "x.xml", 3)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		`x.xml\root`,
		`x.xml\root\a`,
		`x.xml\root\a\b`,
		`x.xml\root\z`,
	}, paths)
}

// TestExtractStructure_MacroOnly 单个宏二进制条目
func TestExtractStructure_MacroOnly(t *testing.T) {
	path := writeArchive(t, "macro.docm", []archiveEntry{
		{name: "word/vbaProject.bin", body: "\xd0\xcf\x11\xe0binary"},
	})

	extractor := newTestExtractor()

	assert.Equal(t, []string{`word\vbaProject.bin`}, extractor.ExtractStructure(path))
	assert.True(t, extractor.RunSieve(path))
}

// TestExtractStructure_Benign 无触发子串的简单文档
func TestExtractStructure_Benign(t *testing.T) {
	path := writeArchive(t, "plain.docx", []archiveEntry{
		{name: "[Content_Types].xml", body: `<?xml version="1.0"?><Types xmlns="` + contentTypesNS + `"><Default Extension="xml" ContentType="application/xml"/></Types>`},
		{name: "word/document.xml", body: `<w:document xmlns:w="` + wordNS + `"><w:body/></w:document>`},
	})

	extractor := newTestExtractor()

	assert.Equal(t, []string{
		`[Content_Types].xml`,
		`[Content_Types].xml\Types`,
		`[Content_Types].xml\Types\Default`,
		`word\document.xml`,
		`word\document.xml\w:document`,
		`word\document.xml\w:document\w:body`,
	}, extractor.ExtractStructure(path))
	assert.False(t, extractor.RunSieve(path))
}

// TestExtractStructure_Deterministic 多次提取结果一致且互不影响
func TestExtractStructure_Deterministic(t *testing.T) {
	first := writeArchive(t, "a.docx", []archiveEntry{
		{name: "word/document.xml", body: `<w:document xmlns:w="` + wordNS + `"><w:body><w:p/></w:body></w:document>`},
		{name: "word/_rels/document.xml.rels", body: `<Relationships><Relationship Id="rId1"/></Relationships>`},
	})
	second := writeArchive(t, "b.docx", []archiveEntry{
		{name: "xl/workbook.xml", body: `<workbook/>`},
	})

	extractor := newTestExtractor()

	run1 := extractor.ExtractStructure(first)
	other := extractor.ExtractStructure(second)
	run2 := extractor.ExtractStructure(first)

	assert.Equal(t, run1, run2)
	assert.NotContains(t, run2, `xl\workbook.xml`)
	assert.Equal(t, []string{`xl\workbook.xml`, `xl\workbook.xml\workbook`}, other)
}

// TestExtractStructure_NotContainer 非 zip 文件
func TestExtractStructure_NotContainer(t *testing.T) {
	dir := t.TempDir()
	textFile := filepath.Join(dir, "notes.docx")
	require.NoError(t, os.WriteFile(textFile, []byte("definitely not a zip"), 0644))

	extractor := newTestExtractor()

	for _, path := range []string{textFile, filepath.Join(dir, "missing.docx")} {
		got := extractor.ExtractStructure(path)
		assert.NotNil(t, got)
		assert.Empty(t, got)
		assert.False(t, extractor.RunSieve(path))
		assert.False(t, extractor.Extract(path).IsContainer)
	}
}

// TestExtractStructure_MalformedMember 损坏的 XML 成员不影响其余条目
func TestExtractStructure_MalformedMember(t *testing.T) {
	path := writeArchive(t, "broken.docx", []archiveEntry{
		{name: "word/broken.xml", body: `<w:document xmlns:w="` + wordNS + `"><w:body>`},
		{name: "word/ok.xml", body: `<ok/>`},
	})

	extractor := newTestExtractor()
	structure := extractor.Extract(path)

	assert.True(t, structure.IsContainer)
	assert.Equal(t, 2, structure.XMLPartCount)
	assert.Equal(t, 1, structure.MalformedCount)
	assert.Equal(t, []string{
		`word\broken.xml`,
		`word\ok.xml`,
		`word\ok.xml\ok`,
	}, structure.Paths.Sorted())
}

// TestExtractStructure_SimpleField 简单域元素触发筛查
func TestExtractStructure_SimpleField(t *testing.T) {
	path := writeArchive(t, "field.docx", []archiveEntry{
		{name: "word/document.xml", body: `<w:document xmlns:w="` + wordNS + `"><w:body><w:fldSimple w:instr="DDEAUTO c:\\windows\\system32\\cmd.exe"/></w:body></w:document>`},
	})

	extractor := newTestExtractor()
	paths := extractor.ExtractStructure(path)

	assert.Contains(t, paths, `word\document.xml\w:document\w:body\w:fldSimple`)

	result := extractor.Sieve().Check(paths)
	assert.True(t, result.Suspicious)
	assert.Equal(t, "w:fldSimple", result.Trigger)
}

// TestExtractStructure_SimpleFieldUTF16 UTF-16 部件中的简单域同样触发筛查
func TestExtractStructure_SimpleFieldUTF16(t *testing.T) {
	body := encodeUTF16(t, unicode.LittleEndian, unicode.UseBOM,
		`<?xml version="1.0" encoding="UTF-16" standalone="yes"?>`+
			`<w:document xmlns:w="`+wordNS+`"><w:body><w:fldSimple w:instr="DDEAUTO c:\\windows\\system32\\cmd.exe"/></w:body></w:document>`)
	path := writeArchive(t, "field16.docx", []archiveEntry{
		{name: "word/document.xml", body: body},
	})

	extractor := newTestExtractor()
	structure := extractor.Extract(path)
	assert.Equal(t, 0, structure.MalformedCount)

	result := extractor.Sieve().Check(structure.Paths.Sorted())
	assert.True(t, result.Suspicious)
	assert.Equal(t, "w:fldSimple", result.Trigger)
	assert.Equal(t, `word\document.xml\w:document\w:body\w:fldSimple`, result.Path)
}

// TestExtractStructure_SimpleFieldUnboundPrefix 前缀未声明时简单域仍触发筛查
func TestExtractStructure_SimpleFieldUnboundPrefix(t *testing.T) {
	path := writeArchive(t, "unbound.docx", []archiveEntry{
		{name: "word/document.xml", body: `<w:document><w:body><w:fldSimple w:instr="DDEAUTO"/></w:body></w:document>`},
	})

	result := newTestExtractor().Sieve().Check(newTestExtractor().ExtractStructure(path))
	assert.True(t, result.Suspicious)
	assert.Equal(t, "w:fldSimple", result.Trigger)
}

// TestExtractStructure_EntryLimit 超出条目大小限制视为损坏成员
func TestExtractStructure_EntryLimit(t *testing.T) {
	path := writeArchive(t, "big.docx", []archiveEntry{
		{name: "word/document.xml", body: "<a>" + strings.Repeat("x", 1024) + "</a>"},
	})

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	extractor := NewExtractor(logger, Options{MaxEntrySize: 128})

	structure := extractor.Extract(path)
	assert.Equal(t, 1, structure.MalformedCount)
	assert.Equal(t, []string{`word\document.xml`}, structure.Paths.Sorted())
}

// TestSieve_Check 测试筛查子串匹配
func TestSieve_Check(t *testing.T) {
	sieve := NewSieve(nil)

	tests := []struct {
		name       string
		paths      []string
		suspicious bool
		trigger    string
	}{
		{"empty", nil, false, ""},
		{"benign", []string{`word\document.xml`, `word\document.xml\w:document`}, false, ""},
		{"macro binary", []string{`xl\vbaProject.bin`}, true, "vbaProject.bin"},
		{"macro sheet", []string{`xl\macrosheets\sheet1.xml`}, true, "macrosheets"},
		{"activex", []string{`word\activeX\activeX1.xml`}, true, "activeX"},
		{"ole object", []string{`ppt\embeddings\oleObject1.bin`}, true, "oleObject"},
		{"substring inside unrelated name", []string{`word\media\myactiveXpicture.png`}, true, "activeX"},
		{"case sensitive", []string{`word\ACTIVEX\x.xml`}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sieve.Check(tt.paths)
			assert.Equal(t, tt.suspicious, result.Suspicious)
			assert.Equal(t, tt.trigger, result.Trigger)
			if tt.suspicious {
				assert.Equal(t, "suspicious", result.Verdict())
			} else {
				assert.Equal(t, "benign", result.Verdict())
			}
		})
	}
}

// TestSieve_CustomTriggers 测试自定义触发列表
func TestSieve_CustomTriggers(t *testing.T) {
	sieve := NewSieve([]string{"customXml"})

	assert.True(t, sieve.Check([]string{`customXml\item1.xml`}).Suspicious)
	assert.False(t, sieve.Check([]string{`word\vbaProject.bin`}).Suspicious)
	assert.Equal(t, []string{"customXml"}, sieve.Triggers())
}

// TestFingerprintSet 测试集合去重与排序
func TestFingerprintSet(t *testing.T) {
	set := NewFingerprintSet()
	set.Add("b", "a", "b")
	set.Add("c")

	assert.Equal(t, 3, set.Len())
	assert.True(t, set.Contains("a"))
	assert.False(t, set.Contains("z"))
	assert.Equal(t, []string{"a", "b", "c"}, set.Sorted())
}
