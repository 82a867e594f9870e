// Package task holds the Task row: one unit of work within a single stage
// of a Job, dispatched to exactly one registered TaskHandler.
package task

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

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is addressed by a deterministic TaskID (internal/ids.TaskID) derived
// from its parent job, stage, and logical unit, so a redelivered job-stage
// message that regenerates the stage's tasks never produces a duplicate row.
type Task struct {
	TaskID       string `gorm:"column:task_id;primaryKey;size:16"`
	ParentJobID  string `gorm:"column:parent_job_id;size:64;index:idx_tasks_job_stage_status"`
	JobType      string `gorm:"column:job_type;size:128"`
	TaskType     string `gorm:"column:task_type;size:128"`
	Stage        int    `gorm:"column:stage;index:idx_tasks_job_stage_status"`
	TaskIndex    int    `gorm:"column:task_index"`
	Status       Status `gorm:"column:status;size:16;index:idx_tasks_job_stage_status"`
	Parameters   datatypes.JSON
	ResultData   datatypes.JSON `gorm:"column:result_data"`
	ErrorDetails string         `gorm:"column:error_details"`
	RetryCount   int            `gorm:"column:retry_count"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Task) TableName() string { return "tasks" }
