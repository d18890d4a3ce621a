package models

import (
	"strconv"
	"time"
)

// JobType identifies the kind of capture work a job performs.
type JobType string

const (
	JobTypeBackfillChunk   JobType = "backfill-chunk"
	JobTypeIncrementalSync JobType = "incremental-sync"
	JobTypeWebhookReplay   JobType = "webhook-replay"
)

// JobStatus is the lifecycle state of a CaptureJob.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CaptureJob is a unit of scheduled capture work.
// ActiveKey is set while the job is queued or running and cleared on any terminal
// transition; its unique index enforces one in-flight job per (repository, job type).
type CaptureJob struct {
	ID                string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	RepositoryID      uint       `gorm:"column:repository_id;index:idx_capture_jobs_repo_status,priority:1" json:"repository_id"`
	JobType           JobType    `gorm:"column:job_type;size:30" json:"job_type"`
	Status            JobStatus  `gorm:"column:status;size:20;index:idx_capture_jobs_repo_status,priority:2;index:idx_capture_jobs_status_next,priority:1" json:"status"`
	ActiveKey         *string    `gorm:"column:active_key;size:80;uniqueIndex:uq_capture_jobs_active_key" json:"-"`
	Cursor            *string    `gorm:"column:resume_cursor;type:text" json:"cursor"`
	ItemsProcessed    int        `gorm:"column:items_processed;default:0" json:"items_processed"`
	ConsecutiveErrors int        `gorm:"column:consecutive_errors;default:0" json:"consecutive_errors"`
	Attempts          int        `gorm:"column:attempts;default:0" json:"attempts"`
	SeriesID          *string    `gorm:"column:series_id;size:36;index:idx_capture_jobs_series" json:"series_id,omitempty"`
	ChunkIndex        int        `gorm:"column:chunk_index;default:0" json:"chunk_index"`
	StrategyVersion   string     `gorm:"column:strategy_version;size:64;index:idx_capture_jobs_version_completed,priority:1" json:"strategy_version"`
	Legacy            bool       `gorm:"column:legacy;default:false" json:"legacy"`
	Payload           string     `gorm:"column:payload;type:text" json:"payload,omitempty"`
	NextRunAt         time.Time  `gorm:"column:next_run_at;index:idx_capture_jobs_status_next,priority:2" json:"next_run_at"`
	CancelRequested   bool       `gorm:"column:cancel_requested;default:false" json:"cancel_requested"`
	FailureClass      string     `gorm:"column:failure_class;size:30" json:"failure_class,omitempty"`
	FailureReason     string     `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	NeedsReview       bool       `gorm:"column:needs_review;default:false" json:"needs_review"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	CompletedAt       *time.Time `gorm:"column:completed_at;index:idx_capture_jobs_version_completed,priority:2" json:"completed_at"`
}

func (CaptureJob) TableName() string {
	return "capture_jobs"
}

// ActiveKeyFor builds the in-flight uniqueness key for a repository and job type.
func ActiveKeyFor(repositoryID uint, jobType JobType) string {
	return strconv.FormatUint(uint64(repositoryID), 10) + ":" + string(jobType)
}

// CursorValue returns the job cursor or "" when the job starts from the beginning.
func (j *CaptureJob) CursorValue() string {
	if j.Cursor == nil {
		return ""
	}
	return *j.Cursor
}

// SeriesStatus is the lifecycle state of a backfill series.
type SeriesStatus string

const (
	SeriesStatusRunning   SeriesStatus = "running"
	SeriesStatusCompleted SeriesStatus = "completed"
	SeriesStatusFailed    SeriesStatus = "failed"
	SeriesStatusCancelled SeriesStatus = "cancelled"
)

// BackfillSeries groups the chunk jobs of one full historical backfill.
type BackfillSeries struct {
	ID              string       `gorm:"column:id;primaryKey;size:36" json:"id"`
	RepositoryID    uint         `gorm:"column:repository_id;index" json:"repository_id"`
	StrategyVersion string       `gorm:"column:strategy_version;size:64" json:"strategy_version"`
	Status          SeriesStatus `gorm:"column:status;size:20;index" json:"status"`
	ChunksCompleted int          `gorm:"column:chunks_completed;default:0" json:"chunks_completed"`
	ItemsProcessed  int          `gorm:"column:items_processed;default:0" json:"items_processed"`
	LastCursor      *string      `gorm:"column:last_cursor;type:text" json:"last_cursor"`
	FailureReason   string       `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	NeedsReview     bool         `gorm:"column:needs_review;default:false" json:"needs_review"`
	CreatedAt       time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	CompletedAt     *time.Time   `gorm:"column:completed_at" json:"completed_at"`
}

func (BackfillSeries) TableName() string {
	return "backfill_series"
}
