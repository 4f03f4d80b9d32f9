package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/office-analysis/office-analysis-go/internal/classifier"
	"github.com/office-analysis/office-analysis-go/internal/content"
	"github.com/office-analysis/office-analysis-go/internal/domain"
	"github.com/office-analysis/office-analysis-go/internal/pipeline"
	"github.com/office-analysis/office-analysis-go/internal/repository"
	"github.com/office-analysis/office-analysis-go/internal/structure"
)

// MockAnalysisRepository Mock Repository
type MockAnalysisRepository struct {
	mock.Mock
}

func (m *MockAnalysisRepository) Create(ctx context.Context, task *domain.AnalysisTask) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockAnalysisRepository) FindByID(ctx context.Context, id string) (*domain.AnalysisTask, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AnalysisTask), args.Error(1)
}

func (m *MockAnalysisRepository) FindLatestBySHA256(ctx context.Context, sha256 string) (*domain.AnalysisTask, error) {
	args := m.Called(ctx, sha256)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AnalysisTask), args.Error(1)
}

func (m *MockAnalysisRepository) ListWithPagination(ctx context.Context, page, pageSize int, status string) ([]*domain.AnalysisTask, int64, error) {
	args := m.Called(ctx, page, pageSize, status)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.AnalysisTask), args.Get(1).(int64), args.Error(2)
}

func (m *MockAnalysisRepository) FindPending(ctx context.Context) ([]*domain.AnalysisTask, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.AnalysisTask), args.Error(1)
}

func (m *MockAnalysisRepository) MarkRunning(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockAnalysisRepository) SaveResult(ctx context.Context, task *domain.AnalysisTask, evidence *domain.AnalysisEvidence) error {
	args := m.Called(ctx, task, evidence)
	return args.Error(0)
}

func (m *MockAnalysisRepository) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	args := m.Called(ctx, id, failureType, errorMessage)
	return args.Error(0)
}

func (m *MockAnalysisRepository) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockAnalysisRepository) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockAnalysisRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockAnalyzer Mock 流水线
type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Analyze(ctx context.Context, path string) (*pipeline.Result, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Result), args.Error(1)
}

// MockDispatcher Mock 投递端
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, taskID, filePath string) error {
	args := m.Called(ctx, taskID, filePath)
	return args.Error(0)
}

func newTestService(repo *MockAnalysisRepository, analyzer *MockAnalyzer, dispatcher *MockDispatcher) AnalysisService {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAnalysisService(repo, analyzer, dispatcher, Options{MaxRetry: 2}, logger)
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// TestAnalysisService_Submit 测试建档与投递
func TestAnalysisService_Submit(t *testing.T) {
	repo, analyzer, dispatcher := new(MockAnalysisRepository), new(MockAnalyzer), new(MockDispatcher)
	svc := newTestService(repo, analyzer, dispatcher)
	ctx := context.Background()
	path := writeFile(t, "invoice.docm", "abc")

	repo.On("Create", ctx, mock.AnythingOfType("*domain.AnalysisTask")).Return(nil)
	dispatcher.On("Dispatch", ctx, mock.AnythingOfType("string"), path).Return(nil)

	task, err := svc.Submit(ctx, "invoice.docm", path, domain.SourceUpload)
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, domain.AnalysisStatusQueued, task.Status)
	assert.Equal(t, int64(3), task.FileSize)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", task.SHA256)
	repo.AssertExpectations(t)
	dispatcher.AssertExpectations(t)
}

// TestAnalysisService_Submit_DispatchError 投递失败记录为失败任务
func TestAnalysisService_Submit_DispatchError(t *testing.T) {
	repo, analyzer, dispatcher := new(MockAnalysisRepository), new(MockAnalyzer), new(MockDispatcher)
	svc := newTestService(repo, analyzer, dispatcher)
	ctx := context.Background()
	path := writeFile(t, "a.docx", "x")

	repo.On("Create", ctx, mock.Anything).Return(nil)
	dispatcher.On("Dispatch", ctx, mock.Anything, path).Return(errors.New("queue is full"))
	repo.On("UpdateFailure", ctx, mock.Anything, domain.FailureTypeAnalysisError, mock.MatchedBy(func(msg string) bool {
		return msg == "dispatch failed: queue is full"
	})).Return(nil)

	task, err := svc.Submit(ctx, "a.docx", path, domain.SourceWatcher)
	assert.Error(t, err)
	assert.Nil(t, task)
	repo.AssertExpectations(t)
}

// TestAnalysisService_Submit_MissingFile 文件不存在不建档
func TestAnalysisService_Submit_MissingFile(t *testing.T) {
	repo, analyzer, dispatcher := new(MockAnalysisRepository), new(MockAnalyzer), new(MockDispatcher)
	svc := newTestService(repo, analyzer, dispatcher)

	_, err := svc.Submit(context.Background(), "x", filepath.Join(t.TempDir(), "x"), domain.SourceUpload)
	assert.Error(t, err)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// TestAnalysisService_ProcessTask_Suspicious 可疑结论与证据入库
func TestAnalysisService_ProcessTask_Suspicious(t *testing.T) {
	repo, analyzer, dispatcher := new(MockAnalysisRepository), new(MockAnalyzer), new(MockDispatcher)
	svc := newTestService(repo, analyzer, dispatcher)
	ctx := context.Background()

	task := &domain.AnalysisTask{ID: "t1", FilePath: "/data/t1.docm"}
	verdict := classifier.Verdict{Score: 8, Reason: "AutoOpen"}
	result := &pipeline.Result{
		File:        task.FilePath,
		SHA256:      "ff",
		Size:        10,
		IsContainer: true,
		PathCount:   1,
		Sieve:       structure.SieveResult{Suspicious: true, Trigger: "vbaProject.bin", Path: `word\vbaProject.bin`},
		Status:      pipeline.StatusClassified,
		Verdict:     &verdict,
		Paths:       []string{`word\vbaProject.bin`},
		Content:     content.Tree{"word": content.Tree{"document.xml": content.TextLeaf("<w:t>hi</w:t>")}},
	}

	repo.On("FindByID", ctx, "t1").Return(task, nil)
	repo.On("MarkRunning", ctx, "t1").Return(nil)
	analyzer.On("Analyze", mock.Anything, task.FilePath).Return(result, nil)

	var saved *domain.AnalysisTask
	var evidence *domain.AnalysisEvidence
	repo.On("SaveResult", ctx, task, mock.AnythingOfType("*domain.AnalysisEvidence")).
		Run(func(args mock.Arguments) {
			saved = args.Get(1).(*domain.AnalysisTask)
			evidence = args.Get(2).(*domain.AnalysisEvidence)
		}).Return(nil)

	require.NoError(t, svc.ProcessTask(ctx, "t1"))

	require.NotNil(t, saved)
	assert.Equal(t, domain.AnalysisStatusCompleted, saved.Status)
	assert.True(t, saved.Suspicious)
	assert.True(t, saved.Classified)
	require.NotNil(t, saved.Score)
	assert.Equal(t, 8.0, *saved.Score)
	assert.Equal(t, "vbaProject.bin", saved.Trigger)

	require.NotNil(t, evidence)
	assert.Equal(t, `["word\\vbaProject.bin"]`, evidence.StructureJSON)
	assert.Equal(t, `{"word":{"document.xml":"<w:t>hi</w:t>"}}`, evidence.ContentJSON)
	repo.AssertExpectations(t)
}

// TestAnalysisService_ProcessTask_Clean 干净文件不保存证据
func TestAnalysisService_ProcessTask_Clean(t *testing.T) {
	repo, analyzer, dispatcher := new(MockAnalysisRepository), new(MockAnalyzer), new(MockDispatcher)
	svc := newTestService(repo, analyzer, dispatcher)
	ctx := context.Background()

	task := &domain.AnalysisTask{ID: "t2", FilePath: "/data/t2.docx"}
	repo.On("FindByID", ctx, "t2").Return(task, nil)
	repo.On("MarkRunning", ctx, "t2").Return(nil)
	analyzer.On("Analyze", mock.Anything, task.FilePath).Return(&pipeline.Result{Status: pipeline.StatusClean}, nil)
	repo.On("SaveResult", ctx, task, (*domain.AnalysisEvidence)(nil)).Return(nil)

	require.NoError(t, svc.ProcessTask(ctx, "t2"))
	assert.False(t, task.Classified)
	assert.Nil(t, task.Score)
	repo.AssertExpectations(t)
}

// TestAnalysisService_ProcessTask_Failures 失败类型映射与重试
func TestAnalysisService_ProcessTask_Failures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		retryCount  int
		failureType domain.FailureType
		redispatch  bool
	}{
		{"file missing", fmt.Errorf("%w: gone", pipeline.ErrFileMissing), 0, domain.FailureTypeFileMissing, false},
		{"unpack retried", fmt.Errorf("%w: disk full", pipeline.ErrUnpack), 0, domain.FailureTypeUnpackError, true},
		{"unpack exhausted", fmt.Errorf("%w: disk full", pipeline.ErrUnpack), 2, domain.FailureTypeUnpackError, false},
		{"timeout", context.DeadlineExceeded, 1, domain.FailureTypeTimeout, true},
		{"other", errors.New("weird"), 0, domain.FailureTypeAnalysisError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, analyzer, dispatcher := new(MockAnalysisRepository), new(MockAnalyzer), new(MockDispatcher)
			svc := newTestService(repo, analyzer, dispatcher)
			ctx := context.Background()

			task := &domain.AnalysisTask{ID: "t", FilePath: "/data/t.docx", RetryCount: tt.retryCount}
			repo.On("FindByID", ctx, "t").Return(task, nil)
			repo.On("MarkRunning", ctx, "t").Return(nil)
			analyzer.On("Analyze", mock.Anything, task.FilePath).Return(nil, tt.err)
			repo.On("UpdateFailure", ctx, "t", tt.failureType, tt.err.Error()).Return(nil)
			if tt.redispatch {
				repo.On("IncrementRetryCount", ctx, "t").Return(tt.retryCount+1, nil)
				dispatcher.On("Dispatch", mock.Anything, "t", task.FilePath).Return(nil)
			}

			err := svc.ProcessTask(ctx, "t")
			assert.ErrorIs(t, err, tt.err)

			repo.AssertExpectations(t)
			dispatcher.AssertExpectations(t)
			if !tt.redispatch {
				dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

// TestAnalysisService_GetTask_NotFound 透传未找到错误
func TestAnalysisService_GetTask_NotFound(t *testing.T) {
	repo, analyzer, dispatcher := new(MockAnalysisRepository), new(MockAnalyzer), new(MockDispatcher)
	svc := newTestService(repo, analyzer, dispatcher)
	ctx := context.Background()

	repo.On("FindByID", ctx, "nope").Return(nil, repository.ErrNotFound)

	_, err := svc.GetTask(ctx, "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

// TestAnalysisService_ListAndDelete 分页与删除
func TestAnalysisService_ListAndDelete(t *testing.T) {
	repo, analyzer, dispatcher := new(MockAnalysisRepository), new(MockAnalyzer), new(MockDispatcher)
	svc := newTestService(repo, analyzer, dispatcher)
	ctx := context.Background()

	repo.On("ListWithPagination", ctx, 1, 20, "failed").
		Return([]*domain.AnalysisTask{{ID: "a"}}, int64(1), nil)
	repo.On("Delete", ctx, "a").Return(nil)
	repo.On("GetStatusCounts", ctx).Return(map[string]int64{"failed": 1}, int64(1), nil)

	tasks, total, err := svc.ListTasks(ctx, 1, 20, "failed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, tasks, 1)

	counts, all, err := svc.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), all)
	assert.Equal(t, int64(1), counts["failed"])

	require.NoError(t, svc.DeleteTask(ctx, "a"))
	repo.AssertExpectations(t)
}

// TestAnalysisService_RecoverPending 重启后重新投递未结束的任务
func TestAnalysisService_RecoverPending(t *testing.T) {
	repo, analyzer, dispatcher := new(MockAnalysisRepository), new(MockAnalyzer), new(MockDispatcher)
	svc := newTestService(repo, analyzer, dispatcher)
	ctx := context.Background()

	repo.On("FindPending", ctx).Return([]*domain.AnalysisTask{
		{ID: "a", FilePath: "/in/a.docm", Status: domain.AnalysisStatusQueued},
		{ID: "b", FilePath: "/in/b.xlsm", Status: domain.AnalysisStatusRunning},
	}, nil)
	dispatcher.On("Dispatch", ctx, "a", "/in/a.docm").Return(nil)
	dispatcher.On("Dispatch", ctx, "b", "/in/b.xlsm").Return(errors.New("task queue is full"))

	recovered, err := svc.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	dispatcher.AssertExpectations(t)
}

// TestAnalysisService_ProcessTask_Shutdown 关闭中断的任务保持原状态
func TestAnalysisService_ProcessTask_Shutdown(t *testing.T) {
	repo, analyzer, dispatcher := new(MockAnalysisRepository), new(MockAnalyzer), new(MockDispatcher)
	svc := newTestService(repo, analyzer, dispatcher)
	ctx, cancel := context.WithCancel(context.Background())

	task := &domain.AnalysisTask{ID: "t", FilePath: "/data/t.docx"}
	repo.On("FindByID", ctx, "t").Return(task, nil)
	repo.On("MarkRunning", ctx, "t").Return(nil)
	analyzer.On("Analyze", mock.Anything, task.FilePath).Run(func(args mock.Arguments) {
		cancel()
	}).Return(nil, context.Canceled)

	err := svc.ProcessTask(ctx, "t")
	assert.ErrorIs(t, err, context.Canceled)
	repo.AssertNotCalled(t, "UpdateFailure", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
}
