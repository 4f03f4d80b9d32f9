package content

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/richardlehane/mscfb"
)

// maxStreamSize 单个 OLE 流读取上限
const maxStreamSize = 16 * 1024 * 1024

// oleSignature OLE 复合文档魔数
var oleSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// ErrInvalidOLEHeader OLE 头部字段与文件大小不符
var ErrInvalidOLEHeader = errors.New("invalid ole header")

const oleHeaderSize = 512

// autoExecKeywords 文档打开/关闭时自动执行的入口
var autoExecKeywords = []string{
	"AutoOpen", "AutoExec", "AutoClose", "Auto_Open", "Auto_Close",
	"Document_Open", "Document_Close", "DocumentOpen", "Workbook_Open", "Workbook_Activate",
}

// suspiciousKeywords 常见于下载执行类宏的调用
var suspiciousKeywords = []string{
	"Shell", "WScript.Shell", "CreateObject", "GetObject", "URLDownloadToFile",
	"XMLHTTP", "Adodb.Stream", "Environ", "Kill", "CallByName", "ExecuteExcel4Macro",
	"Chr", "StrReverse", "Base64", "powershell", "cmd.exe", "Lib ",
}

// NativeDecompiler 进程内解析 vbaProject.bin
// 用 mscfb 枚举 OLE 流，按 dir 流记录的偏移解压各模块源码
type NativeDecompiler struct{}

// NewNativeDecompiler 创建进程内宏分析适配器
func NewNativeDecompiler() *NativeDecompiler {
	return &NativeDecompiler{}
}

type nativeStream struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type nativeMacro struct {
	Module    string `json:"vba_filename"`
	OLEStream string `json:"ole_stream"`
	Code      string `json:"code"`
}

type nativeFinding struct {
	Type    string `json:"type"`
	Keyword string `json:"keyword"`
}

type nativeReport struct {
	Type      string          `json:"type"`
	Container string          `json:"container"`
	Streams   []nativeStream  `json:"streams"`
	Macros    []nativeMacro   `json:"macros"`
	Analysis  []nativeFinding `json:"analysis"`
}

// Decompile 解析 OLE 复合文档并输出类 olevba 的 JSON 报告
func (d *NativeDecompiler) Decompile(ctx context.Context, path string) (json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open macro binary: %w", err)
	}
	defer f.Close()

	// mscfb 按头部声明的扇区数预分配，先确认这些数量与文件大小相符
	if err := checkOLEHeader(f); err != nil {
		return nil, err
	}

	doc, err := parseOLE(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ole container: %w", err)
	}

	report := nativeReport{
		Type:      "OLE",
		Container: MacroBinarySuffix,
		Streams:   []nativeStream{},
		Macros:    []nativeMacro{},
		Analysis:  []nativeFinding{},
	}

	// VBA 存储下的流内容，键为流名
	vbaStreams := make(map[string][]byte)

	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		streamPath := strings.Join(append(append([]string{}, entry.Path...), entry.Name), "/")
		report.Streams = append(report.Streams, nativeStream{Path: streamPath, Size: entry.Size})

		if !inVBAStorage(entry.Path) || entry.Size <= 0 {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(doc, maxStreamSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read stream %s: %w", streamPath, err)
		}
		vbaStreams[entry.Name] = data
	}

	if dirStream, ok := vbaStreams["dir"]; ok {
		macros, err := extractModules(dirStream, vbaStreams)
		if err != nil {
			return nil, err
		}
		report.Macros = macros
	}

	report.Analysis = scanKeywords(report.Macros)

	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal macro report: %w", err)
	}
	return raw, nil
}

// checkOLEHeader 校验扇区大小，以及 FAT、DIFAT、MiniFAT、目录扇区数不超过文件能容纳的数量
func checkOLEHeader(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat macro binary: %w", err)
	}

	header := make([]byte, oleHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOLEHeader, err)
	}
	if !bytes.Equal(header[:8], oleSignature) {
		return fmt.Errorf("%w: bad signature", ErrInvalidOLEHeader)
	}

	shift := binary.LittleEndian.Uint16(header[0x1E:])
	if shift != 9 && shift != 12 {
		return fmt.Errorf("%w: sector shift %d", ErrInvalidOLEHeader, shift)
	}
	sectorSize := uint64(1) << shift
	fileSize := uint64(info.Size())

	counts := map[string]uint32{
		"directory": binary.LittleEndian.Uint32(header[0x28:]),
		"fat":       binary.LittleEndian.Uint32(header[0x2C:]),
		"minifat":   binary.LittleEndian.Uint32(header[0x40:]),
		"difat":     binary.LittleEndian.Uint32(header[0x48:]),
	}
	for name, n := range counts {
		if uint64(n)*sectorSize > fileSize {
			return fmt.Errorf("%w: %s sector count %d exceeds file size %d", ErrInvalidOLEHeader, name, n, fileSize)
		}
	}
	return nil
}

// parseOLE 将 mscfb 在畸形输入上的 panic 转为错误
func parseOLE(f *os.File) (doc *mscfb.Reader, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidOLEHeader, r)
		}
	}()
	return mscfb.New(f)
}

func inVBAStorage(path []string) bool {
	return len(path) > 0 && strings.EqualFold(path[len(path)-1], "VBA")
}

// extractModules 根据 dir 流中的模块记录解压源码
func extractModules(compressedDir []byte, streams map[string][]byte) ([]nativeMacro, error) {
	dir, err := DecompressVBA(compressedDir)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress dir stream: %w", err)
	}

	modules, err := parseModuleRecords(dir)
	if err != nil {
		return nil, err
	}

	macros := make([]nativeMacro, 0, len(modules))
	for _, m := range modules {
		data, ok := streams[m.streamName]
		if !ok || int(m.offset) > len(data) {
			continue
		}
		code, err := DecompressVBA(data[m.offset:])
		if err != nil {
			continue
		}
		macros = append(macros, nativeMacro{
			Module:    m.streamName,
			OLEStream: "VBA/" + m.streamName,
			Code:      string(code),
		})
	}

	sort.Slice(macros, func(i, j int) bool { return macros[i].Module < macros[j].Module })
	return macros, nil
}

// scanKeywords 在源码中查找自动执行入口与可疑调用
func scanKeywords(macros []nativeMacro) []nativeFinding {
	findings := []nativeFinding{}
	seen := make(map[string]bool)

	add := func(kind, keyword string) {
		key := kind + "|" + keyword
		if !seen[key] {
			seen[key] = true
			findings = append(findings, nativeFinding{Type: kind, Keyword: keyword})
		}
	}

	for _, m := range macros {
		lower := strings.ToLower(m.Code)
		for _, kw := range autoExecKeywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				add("AutoExec", kw)
			}
		}
		for _, kw := range suspiciousKeywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				add("Suspicious", kw)
			}
		}
	}

	return findings
}
