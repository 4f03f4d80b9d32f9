package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/office-analysis/office-analysis-go/internal/classifier"
	"github.com/office-analysis/office-analysis-go/internal/pipeline"
	"github.com/office-analysis/office-analysis-go/internal/utils"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestPool_SubmitAndWait 同步提交返回处理结果
func TestPool_SubmitAndWait(t *testing.T) {
	boom := errors.New("boom")
	pool := NewPool(2, 4, ProcessorFunc(func(ctx context.Context, task *Task) error {
		if task.ID == "bad" {
			return boom
		}
		return nil
	}), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	assert.NoError(t, pool.SubmitAndWait(ctx, &Task{ID: "ok"}))
	assert.ErrorIs(t, pool.SubmitAndWait(ctx, &Task{ID: "bad"}), boom)
}

// TestPool_RecoversPanic 处理者 panic 不影响池
func TestPool_RecoversPanic(t *testing.T) {
	pool := NewPool(1, 1, ProcessorFunc(func(ctx context.Context, task *Task) error {
		if task.ID == "panic" {
			panic("unexpected")
		}
		return nil
	}), testLogger())

	ctx := context.Background()
	pool.Start(ctx)
	defer pool.Stop()

	err := pool.SubmitAndWait(ctx, &Task{ID: "panic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.NoError(t, pool.SubmitAndWait(ctx, &Task{ID: "next"}))
}

// TestPool_SubmitQueueFull 队列满时立即失败
func TestPool_SubmitQueueFull(t *testing.T) {
	pool := NewPool(1, 1, ProcessorFunc(func(context.Context, *Task) error { return nil }), testLogger())

	// 未启动 worker，队列只能容纳一个任务
	require.NoError(t, pool.Submit(&Task{ID: "1"}))
	assert.Error(t, pool.Submit(&Task{ID: "2"}))
	assert.Equal(t, 1, pool.GetQueueSize())
}

// TestPool_DispatchDrainsOnStop Stop 前已投递的任务都会处理
func TestPool_DispatchDrainsOnStop(t *testing.T) {
	var processed int32
	pool := NewPool(3, 10, ProcessorFunc(func(ctx context.Context, task *Task) error {
		atomic.AddInt32(&processed, 1)
		return nil
	}), testLogger())

	ctx := context.Background()
	pool.Start(ctx)
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Dispatch(ctx, fmt.Sprint(i), "/tmp/x"))
	}
	pool.Stop()
	pool.Stop()

	assert.Equal(t, int32(10), atomic.LoadInt32(&processed))
}

type fakeAnalyzer struct {
	results map[string]*pipeline.Result
	errs    map[string]error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, path string) (*pipeline.Result, error) {
	if err, ok := f.errs[path]; ok {
		return nil, err
	}
	if r, ok := f.results[path]; ok {
		clone := *r
		return &clone, nil
	}
	return &pipeline.Result{File: path, Status: pipeline.StatusClean}, nil
}

type memorySink struct {
	mu    sync.Mutex
	lines []*ResultLine
}

func (m *memorySink) Write(line *ResultLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, line)
	return nil
}

// TestBatchRunner_Run 每个文件一行结果，失败不中断
func TestBatchRunner_Run(t *testing.T) {
	verdict := classifier.Verdict{Score: 9, Reason: "macro"}
	analyzer := &fakeAnalyzer{
		results: map[string]*pipeline.Result{
			"b.docm": {File: "b.docm", Status: pipeline.StatusClassified, Verdict: &verdict},
			"c.xlsm": {File: "c.xlsm", Status: pipeline.StatusSuspicious},
		},
		errs: map[string]error{
			"d.docx": fmt.Errorf("%w: gone", pipeline.ErrFileMissing),
		},
	}
	sink := &memorySink{}
	runner := NewBatchRunner(analyzer, sink, 3, testLogger())

	summary, err := runner.Run(context.Background(), []string{"a.docx", "b.docm", "c.xlsm", "d.docx"})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 1, summary.Clean)
	assert.Equal(t, 1, summary.Classified)
	assert.Equal(t, 1, summary.Suspicious)
	assert.Equal(t, 1, summary.Failed)

	require.Len(t, sink.lines, 4)
	sort.Slice(sink.lines, func(i, j int) bool { return sink.lines[i].File < sink.lines[j].File })
	assert.Equal(t, StatusError, sink.lines[3].Status)
	assert.Contains(t, sink.lines[3].Error, "gone")
	require.NotNil(t, sink.lines[1].Verdict)
	assert.Equal(t, 9.0, sink.lines[1].Verdict.Score)
}

// TestBatchRunner_Canceled 取消后返回错误
func TestBatchRunner_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewBatchRunner(&fakeAnalyzer{}, &memorySink{}, 1, testLogger())
	files := make([]string, 100)
	for i := range files {
		files[i] = fmt.Sprintf("%03d.docx", i)
	}

	summary, err := runner.Run(ctx, files)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, summary.Total, 100)
}

// TestJSONLSink 结果写入 JSONL
func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	sink, err := NewJSONLSink(path, true)
	require.NoError(t, err)

	runner := NewBatchRunner(&fakeAnalyzer{}, sink, 2, testLogger())
	_, err = runner.Run(context.Background(), []string{"x.docx", "y.docx"})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	var files []string
	err = utils.ReadJSONL(path, func(_ int, line map[string]interface{}) error {
		files = append(files, line["file"].(string))
		assert.Equal(t, "CLEAN", line["status"])
		assert.NotContains(t, line, "error")
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x.docx", "y.docx"}, files)
}

// TestCollectFiles 跳过子目录
func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.docx"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.xlsm"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))

	files, err := CollectFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.xlsm"), filepath.Join(dir, "b.docx")}, files)

	_, err = CollectFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
