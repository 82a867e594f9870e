// Package janitorrun records each execution of a janitor sub-routine, so
// operators can audit what the reconciliation loop found and fixed.
package janitorrun

import (
	"time"

	"gorm.io/datatypes"
)

type RunType string

const (
	RunTaskWatchdog    RunType = "task_watchdog"
	RunJobHealth       RunType = "job_health_monitor"
	RunOrphanDetector  RunType = "orphan_detector"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Action records one corrective step taken during a run, for the
// ActionsTaken audit column.
type Action struct {
	Kind     string `json:"kind"`
	TargetID string `json:"target_id"`
	Detail   string `json:"detail,omitempty"`
}

type Run struct {
	RunID        string `gorm:"column:run_id;primaryKey;size:36"`
	RunType      RunType `gorm:"column:run_type;size:32;index"`
	Status       RunStatus `gorm:"column:status;size:16"`
	StartedAt    time.Time  `gorm:"column:started_at"`
	CompletedAt  *time.Time `gorm:"column:completed_at"`
	ItemsScanned int            `gorm:"column:items_scanned"`
	ItemsFixed   int            `gorm:"column:items_fixed"`
	ActionsTaken datatypes.JSON `gorm:"column:actions_taken"`
	ErrorDetails string         `gorm:"column:error_details"`

	// DurationMS is nil while the run is still in progress (CompletedAt
	// unset) and populated once Complete records a final timestamp.
	DurationMS *int64 `gorm:"column:duration_ms"`
}

func (Run) TableName() string { return "janitor_runs" }
