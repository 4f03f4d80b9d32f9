package domain

import (
	"time"
)

type AnalysisStatus string

const (
	AnalysisStatusQueued    AnalysisStatus = "queued"
	AnalysisStatusRunning   AnalysisStatus = "running"
	AnalysisStatusCompleted AnalysisStatus = "completed"
	AnalysisStatusFailed    AnalysisStatus = "failed"
)

// AnalysisSource 任务来源
type AnalysisSource string

const (
	SourceUpload  AnalysisSource = "upload"
	SourceWatcher AnalysisSource = "watcher"
	SourceBatch   AnalysisSource = "batch"
)

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone          FailureType = ""               // 无失败
	FailureTypeFileMissing   FailureType = "file_missing"   // 文件不存在或不可读
	FailureTypeUnpackError   FailureType = "unpack_error"   // 解包写盘失败
	FailureTypeTimeout       FailureType = "timeout"        // 分析超时
	FailureTypeAnalysisError FailureType = "analysis_error" // 其他分析错误
)

// CanRetry 失败是否值得重新投递
func (ft FailureType) CanRetry() bool {
	switch ft {
	case FailureTypeUnpackError, FailureTypeTimeout:
		return true
	default:
		return false
	}
}

// AnalysisTask 单个文档的分析任务
type AnalysisTask struct {
	ID           string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	FileName     string         `gorm:"type:varchar(255);not null" json:"file_name"`
	FilePath     string         `gorm:"type:varchar(1024);not null" json:"file_path"`
	FileSize     int64          `json:"file_size"`
	SHA256       string         `gorm:"type:varchar(64);index:idx_sha256" json:"sha256,omitempty"`
	Source       AnalysisSource `gorm:"type:varchar(20);default:'upload'" json:"source"`
	Status       AnalysisStatus `gorm:"type:varchar(20);not null;default:'queued';index:idx_status" json:"status"`
	FailureType  FailureType    `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount   int            `gorm:"default:0" json:"retry_count"`

	// 结构筛查
	IsContainer bool   `gorm:"default:false" json:"is_container"`
	PathCount   int    `gorm:"default:0" json:"path_count"`
	Suspicious  bool   `gorm:"default:false;index:idx_suspicious" json:"suspicious"`
	Trigger     string `gorm:"column:sieve_trigger;type:varchar(64)" json:"trigger,omitempty"`
	TriggerPath string `gorm:"type:varchar(1024)" json:"trigger_path,omitempty"`

	// 分类结论（仅可疑文件）
	Classified bool     `gorm:"default:false" json:"classified"`
	Score      *float64 `json:"score,omitempty"`
	Reason     string   `gorm:"type:text" json:"reason,omitempty"`

	DurationMS  int64      `json:"duration_ms"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Evidence *AnalysisEvidence `gorm:"foreignKey:TaskID;references:ID" json:"evidence,omitempty"`
}

func (AnalysisTask) TableName() string {
	return "office_analysis_tasks"
}

// AnalysisEvidence 发送给分类器的两份证据
type AnalysisEvidence struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID        string    `gorm:"type:varchar(36);uniqueIndex:uk_task_id;not null" json:"task_id"`
	StructureJSON string    `gorm:"type:longtext" json:"structure_json,omitempty"`
	ContentJSON   string    `gorm:"type:longtext" json:"content_json,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (AnalysisEvidence) TableName() string {
	return "office_analysis_evidence"
}
