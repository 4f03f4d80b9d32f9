package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// HashFile 计算文件 SHA-256
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	return HashReader(file)
}

// HashReader 计算流的 SHA-256，同时用于上传时边写盘边计算
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
