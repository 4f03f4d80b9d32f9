package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/office-analysis/office-analysis-go/internal/domain"
	"github.com/office-analysis/office-analysis-go/internal/pipeline"
	"github.com/office-analysis/office-analysis-go/internal/repository"
	"github.com/office-analysis/office-analysis-go/internal/utils"
)

// redispatchTimeout 失败重投的等待上限
const redispatchTimeout = 10 * time.Second

// Analyzer 单文件分析流水线
type Analyzer interface {
	Analyze(ctx context.Context, path string) (*pipeline.Result, error)
}

// Dispatcher 把已建档的任务交给执行端（本地 Worker 池或消息队列）
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID, filePath string) error
}

// Options 服务配置
type Options struct {
	MaxRetry    int           // 可重试失败的最大重试次数
	TaskTimeout time.Duration // 单个任务超时，0 不限
}

// AnalysisService 分析任务服务接口
type AnalysisService interface {
	// 建档并投递
	Submit(ctx context.Context, fileName, filePath string, source domain.AnalysisSource) (*domain.AnalysisTask, error)

	// 执行任务（由 Worker 或队列消费者调用）
	ProcessTask(ctx context.Context, taskID string) error

	// 重新投递上次运行未结束的任务，返回投递数量
	RecoverPending(ctx context.Context) (int, error)

	GetTask(ctx context.Context, taskID string) (*domain.AnalysisTask, error)
	ListTasks(ctx context.Context, page, pageSize int, status string) ([]*domain.AnalysisTask, int64, error)
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	DeleteTask(ctx context.Context, taskID string) error
}

type analysisService struct {
	repo       repository.AnalysisRepository
	analyzer   Analyzer
	dispatcher Dispatcher
	opts       Options
	logger     *logrus.Logger
}

// NewAnalysisService 创建分析任务服务
func NewAnalysisService(repo repository.AnalysisRepository, analyzer Analyzer, dispatcher Dispatcher, opts Options, logger *logrus.Logger) AnalysisService {
	return &analysisService{
		repo:       repo,
		analyzer:   analyzer,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
}

func (s *analysisService) Submit(ctx context.Context, fileName, filePath string, source domain.AnalysisSource) (*domain.AnalysisTask, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", filePath)
	}

	sum, err := pipeline.HashFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash file: %w", err)
	}

	task := &domain.AnalysisTask{
		ID:        uuid.New().String(),
		FileName:  fileName,
		FilePath:  filePath,
		FileSize:  info.Size(),
		SHA256:    sum,
		Source:    source,
		Status:    domain.AnalysisStatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, task); err != nil {
		s.logger.WithError(err).Error("Failed to create analysis task")
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, task.ID, task.FilePath); err != nil {
		s.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to dispatch analysis task")
		if uerr := s.repo.UpdateFailure(ctx, task.ID, domain.FailureTypeAnalysisError, "dispatch failed: "+err.Error()); uerr != nil {
			s.logger.WithError(uerr).WithField("task_id", task.ID).Warn("Failed to record dispatch failure")
		}
		return nil, fmt.Errorf("failed to dispatch task: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"file":    fileName,
		"source":  source,
		"sha256":  sum,
	}).Info("Analysis task submitted")

	return task, nil
}

func (s *analysisService) ProcessTask(ctx context.Context, taskID string) error {
	task, err := s.repo.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}

	if err := s.repo.MarkRunning(ctx, taskID); err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}

	runCtx := ctx
	if s.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.TaskTimeout)
		defer cancel()
	}

	result, err := s.analyzer.Analyze(runCtx, task.FilePath)
	if err != nil {
		if ctx.Err() != nil {
			// 服务关闭导致的中断不记为失败，重启后由 RecoverPending 重新投递
			s.logger.WithField("task_id", taskID).Warn("Analysis interrupted by shutdown")
			return err
		}
		return s.handleFailure(ctx, task, err)
	}

	return s.saveResult(ctx, task, result)
}

func (s *analysisService) RecoverPending(ctx context.Context) (int, error) {
	tasks, err := s.repo.FindPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to find pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		s.logger.Info("No pending tasks to recover")
		return 0, nil
	}

	recovered := 0
	for _, task := range tasks {
		if err := s.dispatcher.Dispatch(ctx, task.ID, task.FilePath); err != nil {
			s.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to recover task")
			continue
		}
		recovered++
	}

	s.logger.WithFields(logrus.Fields{
		"total":     len(tasks),
		"recovered": recovered,
	}).Info("Pending tasks re-dispatched")

	return recovered, nil
}

// handleFailure 记录失败；可重试的失败在次数内重新投递
func (s *analysisService) handleFailure(ctx context.Context, task *domain.AnalysisTask, cause error) error {
	failureType := classifyFailure(cause)
	log := s.logger.WithFields(logrus.Fields{
		"task_id":      task.ID,
		"failure_type": failureType,
	})
	log.WithError(cause).Error("Analysis task failed")

	if err := s.repo.UpdateFailure(ctx, task.ID, failureType, cause.Error()); err != nil {
		log.WithError(err).Warn("Failed to record task failure")
	}

	if !failureType.CanRetry() || task.RetryCount >= s.opts.MaxRetry {
		return cause
	}

	count, err := s.repo.IncrementRetryCount(ctx, task.ID)
	if err != nil {
		log.WithError(err).Warn("Failed to increment retry count")
		return cause
	}
	// 本地池满时投递会阻塞，由 Worker 自身发起的重投不能无限等待
	dctx, cancel := context.WithTimeout(ctx, redispatchTimeout)
	defer cancel()
	if err := s.dispatcher.Dispatch(dctx, task.ID, task.FilePath); err != nil {
		log.WithError(err).Warn("Failed to re-dispatch task")
		return cause
	}

	log.WithFields(logrus.Fields{
		"retry_count": count,
		"max_retry":   s.opts.MaxRetry,
	}).Warn("Task failed and re-dispatched for retry")
	return cause
}

func (s *analysisService) saveResult(ctx context.Context, task *domain.AnalysisTask, result *pipeline.Result) error {
	now := time.Now().UTC()
	task.Status = domain.AnalysisStatusCompleted
	task.FailureType = domain.FailureTypeNone
	task.ErrorMessage = ""
	task.SHA256 = result.SHA256
	task.FileSize = result.Size
	task.IsContainer = result.IsContainer
	task.PathCount = result.PathCount
	task.Suspicious = result.Sieve.Suspicious
	task.Trigger = result.Sieve.Trigger
	task.TriggerPath = result.Sieve.Path
	task.DurationMS = result.DurationMS
	task.CompletedAt = &now

	if result.Verdict != nil {
		score := result.Verdict.Score
		task.Classified = true
		task.Score = &score
		task.Reason = result.Verdict.Reason
	}

	var evidence *domain.AnalysisEvidence
	if result.Sieve.Suspicious {
		var err error
		evidence, err = buildEvidence(result)
		if err != nil {
			s.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to serialize evidence")
		}
	}

	if err := s.repo.SaveResult(ctx, task, evidence); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":    task.ID,
		"suspicious": task.Suspicious,
		"classified": task.Classified,
	}).Info("Analysis task completed")
	return nil
}

func buildEvidence(result *pipeline.Result) (*domain.AnalysisEvidence, error) {
	structureJSON, err := utils.MarshalLine(result.Paths)
	if err != nil {
		return nil, err
	}
	contentJSON, err := utils.MarshalLine(result.Content)
	if err != nil {
		return nil, err
	}
	return &domain.AnalysisEvidence{
		StructureJSON: strings.TrimSuffix(string(structureJSON), "\n"),
		ContentJSON:   strings.TrimSuffix(string(contentJSON), "\n"),
	}, nil
}

// classifyFailure 错误映射为失败类型
func classifyFailure(err error) domain.FailureType {
	switch {
	case errors.Is(err, pipeline.ErrFileMissing):
		return domain.FailureTypeFileMissing
	case errors.Is(err, pipeline.ErrUnpack):
		return domain.FailureTypeUnpackError
	case errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTypeTimeout
	default:
		return domain.FailureTypeAnalysisError
	}
}

func (s *analysisService) GetTask(ctx context.Context, taskID string) (*domain.AnalysisTask, error) {
	task, err := s.repo.FindByID(ctx, taskID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to get task")
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (s *analysisService) ListTasks(ctx context.Context, page, pageSize int, status string) ([]*domain.AnalysisTask, int64, error) {
	tasks, total, err := s.repo.ListWithPagination(ctx, page, pageSize, status)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list tasks with pagination")
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, total, nil
}

func (s *analysisService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	return s.repo.GetStatusCounts(ctx)
}

func (s *analysisService) DeleteTask(ctx context.Context, taskID string) error {
	if err := s.repo.Delete(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to delete task")
		return fmt.Errorf("failed to delete task: %w", err)
	}

	s.logger.WithField("task_id", taskID).Info("Task deleted successfully")
	return nil
}
