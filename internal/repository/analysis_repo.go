package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/office-analysis/office-analysis-go/internal/domain"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

type AnalysisRepository interface {
	Create(ctx context.Context, task *domain.AnalysisTask) error
	FindByID(ctx context.Context, id string) (*domain.AnalysisTask, error)
	// 同一文件内容最近一次完成的分析
	FindLatestBySHA256(ctx context.Context, sha256 string) (*domain.AnalysisTask, error)
	ListWithPagination(ctx context.Context, page, pageSize int, status string) ([]*domain.AnalysisTask, int64, error)
	// 未结束的任务（排队中或执行中），按创建时间升序
	FindPending(ctx context.Context) ([]*domain.AnalysisTask, error)
	MarkRunning(ctx context.Context, id string) error
	// 保存结论与证据（同一事务）
	SaveResult(ctx context.Context, task *domain.AnalysisTask, evidence *domain.AnalysisEvidence) error
	UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	Delete(ctx context.Context, id string) error
}

type analysisRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAnalysisRepository(db *gorm.DB, logger *logrus.Logger) AnalysisRepository {
	return &analysisRepo{
		db:     db,
		logger: logger,
	}
}

func (r *analysisRepo) Create(ctx context.Context, task *domain.AnalysisTask) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = domain.AnalysisStatusQueued
	}
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *analysisRepo) FindByID(ctx context.Context, id string) (*domain.AnalysisTask, error) {
	var task domain.AnalysisTask
	err := r.db.WithContext(ctx).
		Preload("Evidence").
		First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *analysisRepo) FindLatestBySHA256(ctx context.Context, sha256 string) (*domain.AnalysisTask, error) {
	var task domain.AnalysisTask
	err := r.db.WithContext(ctx).
		Where("sha256 = ? AND status = ?", sha256, domain.AnalysisStatusCompleted).
		Order("completed_at DESC").
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *analysisRepo) ListWithPagination(ctx context.Context, page, pageSize int, status string) ([]*domain.AnalysisTask, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	query := r.db.WithContext(ctx).Model(&domain.AnalysisTask{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []*domain.AnalysisTask
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tasks).Error
	if err != nil {
		return nil, 0, err
	}

	return tasks, total, nil
}

func (r *analysisRepo) FindPending(ctx context.Context) ([]*domain.AnalysisTask, error) {
	var tasks []*domain.AnalysisTask
	err := r.db.WithContext(ctx).
		Where("status IN ?", []domain.AnalysisStatus{domain.AnalysisStatusQueued, domain.AnalysisStatusRunning}).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *analysisRepo) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.AnalysisTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.AnalysisStatusRunning,
			"started_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *analysisRepo) SaveResult(ctx context.Context, task *domain.AnalysisTask, evidence *domain.AnalysisEvidence) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(task).
			Select("file_size", "sha256", "status", "failure_type", "error_message",
				"is_container", "path_count", "suspicious", "sieve_trigger", "trigger_path",
				"classified", "score", "reason", "duration_ms", "completed_at").
			Updates(task).Error
		if err != nil {
			r.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to save analysis result")
			return err
		}

		if evidence == nil {
			return nil
		}
		evidence.TaskID = task.ID
		if evidence.CreatedAt.IsZero() {
			evidence.CreatedAt = time.Now().UTC()
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"structure_json", "content_json"}),
		}).Create(evidence).Error
	})
}

func (r *analysisRepo) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.AnalysisTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.AnalysisStatusFailed,
			"failure_type":  failureType,
			"error_message": errorMessage,
			"completed_at":  now,
		}).Error
}

func (r *analysisRepo) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	var count int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.AnalysisTask{}).
			Where("id = ?", id).
			UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error; err != nil {
			return err
		}
		var task domain.AnalysisTask
		if err := tx.Select("retry_count").First(&task, "id = ?", id).Error; err != nil {
			return err
		}
		count = task.RetryCount
		return nil
	})
	return count, err
}

// GetStatusCounts 各状态任务数量
// 返回: statusCounts map, totalCount, error
func (r *analysisRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}

	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&domain.AnalysisTask{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	counts := make(map[string]int64, len(results))
	var total int64
	for _, rc := range results {
		counts[rc.Status] = rc.Count
		total += rc.Count
	}
	return counts, total, nil
}

func (r *analysisRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&domain.AnalysisEvidence{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&domain.AnalysisTask{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
