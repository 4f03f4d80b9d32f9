package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recorder struct {
	mu    sync.Mutex
	files []string
}

func (r *recorder) handle(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, filepath.Base(path))
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

func fastOptions(patterns ...string) Options {
	return Options{
		Patterns:     patterns,
		Debounce:     50 * time.Millisecond,
		StableChecks: 20,
		StableWait:   20 * time.Millisecond,
	}
}

// TestFileWatcher_Match 模式匹配
func TestFileWatcher_Match(t *testing.T) {
	fw, err := NewFileWatcher(t.TempDir(), fastOptions("*.docx", "*.XLSM"), nil, testLogger())
	require.NoError(t, err)
	defer fw.Stop()

	tests := []struct {
		name string
		want bool
	}{
		{"report.docx", true},
		{"REPORT.DOCX", true},
		{"budget.xlsm", true},
		{"notes.txt", false},
		{"~$report.docx", false},
		{"docx", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fw.Match(tt.name))
		})
	}
}

// TestFileWatcher_HandlesNewFiles 新文件只处理一次
func TestFileWatcher_HandlesNewFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	fw, err := NewFileWatcher(dir, fastOptions("*.docm"), rec.handle, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))
	defer fw.Stop()

	path := filepath.Join(dir, "invoice.docm")
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04 first"), 0644))
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04 second write"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0644))

	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"invoice.docm"}, rec.snapshot())
}

// TestFileWatcher_ScanExisting 启动时处理已有文件
func TestFileWatcher_ScanExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.xlsx"), []byte("PK"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.xlsx"), nil, 0644))

	rec := &recorder{}
	opts := fastOptions("*.xlsx")
	opts.ScanExisting = true
	opts.StableChecks = 3
	fw, err := NewFileWatcher(dir, opts, rec.handle, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))
	defer fw.Stop()

	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// 空文件始终不被视为写入完成
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"old.xlsx"}, rec.snapshot())
}

// TestFileWatcher_CreatesDir 监控目录不存在时创建
func TestFileWatcher_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbound", "nested")
	fw, err := NewFileWatcher(dir, Options{}, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, dir, fw.GetWatchDir())
	assert.DirExists(t, dir)
	require.NoError(t, fw.Stop())
}
