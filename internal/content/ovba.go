package content

import (
	"encoding/binary"
	"errors"
)

var (
	errBadSignature  = errors.New("compressed container has no signature byte")
	errBadCopyToken  = errors.New("copy token points before chunk start")
	errTruncatedDir  = errors.New("dir stream is truncated")
	errMissingModule = errors.New("dir stream has no module records")
)

const (
	chunkSize = 4096

	recordProjectVersion = 0x0009
	recordModuleName     = 0x0019
	recordStreamName     = 0x001A
	recordModuleOffset   = 0x0031
	recordTerminator     = 0x002B
	recordDirEnd         = 0x0010
)

// DecompressVBA 解压 VBA 压缩容器（首字节 0x01 后接若干 chunk）
func DecompressVBA(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != 0x01 {
		return nil, errBadSignature
	}

	out := make([]byte, 0, len(data)*2)
	pos := 1

	for pos+2 <= len(data) {
		header := binary.LittleEndian.Uint16(data[pos:])
		chunkEnd := pos + int(header&0x0FFF) + 3
		if chunkEnd > len(data) {
			chunkEnd = len(data)
		}
		pos += 2
		chunkStart := len(out)

		if header&0x8000 == 0 {
			end := pos + chunkSize
			if end > len(data) {
				end = len(data)
			}
			out = append(out, data[pos:end]...)
			pos = end
			continue
		}

		for pos < chunkEnd {
			flags := data[pos]
			pos++

			for bit := 0; bit < 8 && pos < chunkEnd; bit++ {
				if flags&(1<<bit) == 0 {
					out = append(out, data[pos])
					pos++
					continue
				}

				if pos+2 > chunkEnd {
					pos = chunkEnd
					break
				}
				token := binary.LittleEndian.Uint16(data[pos:])
				pos += 2

				bitCount := copyTokenBitCount(len(out) - chunkStart)
				lengthMask := uint16(0xFFFF) >> bitCount
				length := int(token&lengthMask) + 3
				offset := int(token>>(16-bitCount)) + 1

				src := len(out) - offset
				if src < chunkStart {
					return nil, errBadCopyToken
				}
				for i := 0; i < length; i++ {
					out = append(out, out[src+i])
				}
			}
		}
	}

	return out, nil
}

// copyTokenBitCount 偏移字段位数：ceil(log2(n))，最少 4 位
func copyTokenBitCount(n int) uint {
	var bits uint
	for (1 << bits) < n {
		bits++
	}
	if bits < 4 {
		bits = 4
	}
	return bits
}

type moduleRecord struct {
	name       string
	streamName string
	offset     uint32
}

// parseModuleRecords 读取解压后的 dir 流，提取模块流名与源码偏移
func parseModuleRecords(dir []byte) ([]moduleRecord, error) {
	var modules []moduleRecord
	var current *moduleRecord
	pos := 0

	for pos+6 <= len(dir) {
		id := binary.LittleEndian.Uint16(dir[pos:])
		size := int(binary.LittleEndian.Uint32(dir[pos+2:]))
		pos += 6

		// PROJECTVERSION 的 size 字段固定为 4，实际数据为 6 字节
		if id == recordProjectVersion {
			size = 6
		}
		if pos+size > len(dir) {
			return nil, errTruncatedDir
		}
		payload := dir[pos : pos+size]
		pos += size

		switch id {
		case recordModuleName:
			modules = append(modules, moduleRecord{name: string(payload)})
			current = &modules[len(modules)-1]
		case recordStreamName:
			if current != nil {
				current.streamName = string(payload)
			}
		case recordModuleOffset:
			if current != nil && len(payload) >= 4 {
				current.offset = binary.LittleEndian.Uint32(payload)
			}
		case recordTerminator:
			current = nil
		case recordDirEnd:
			pos = len(dir)
		}
	}

	if len(modules) == 0 {
		return nil, errMissingModule
	}

	for i := range modules {
		if modules[i].streamName == "" {
			modules[i].streamName = modules[i].name
		}
	}
	return modules, nil
}
