// Package job holds the Job row: the durable record of one submitted unit
// of work moving through the stage pipeline defined by its job_type's
// registered JobClass.
package job

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the top-level orchestration unit. JobID is deterministic
// (internal/ids.JobID), so re-submitting identical parameters is a no-op
// rather than a duplicate run.
type Job struct {
	JobID        string `gorm:"column:job_id;primaryKey;size:64"`
	JobType      string `gorm:"column:job_type;size:128;index:idx_jobs_type_status"`
	Parameters   datatypes.JSON
	Status       Status `gorm:"column:status;size:16;index:idx_jobs_type_status"`
	Stage        int    `gorm:"column:stage"`
	TotalStages  int    `gorm:"column:total_stages"`

	// StageResults maps a stage number to the result_data of every task
	// that completed at that stage, written when the stage advances or the
	// job finalizes. CreateTasksForStage receives stage N's results from
	// the tasks table, not from this column.
	StageResults datatypes.JSON `gorm:"column:stage_results"`
	ResultData   datatypes.JSON `gorm:"column:result_data"`
	ErrorDetails string         `gorm:"column:error_details"`

	// RequeueCount tracks how many times the Orphan Detector has
	// re-triggered a job stuck in "queued" with no tasks on the bus.
	// Not part of the public job model; bookkeeping only.
	RequeueCount int `gorm:"column:requeue_count"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Job) TableName() string { return "jobs" }
