// Package message defines the envelopes carried on the two message-bus
// queues: one for job-stage transitions, one for individual task dispatch.
package message

import "gorm.io/datatypes"

// JobQueueMessage tells the Job Controller to (re)drive a job at a given
// stage. Stage is included so a stale, redelivered message for a stage the
// job has already moved past can be recognized and dropped.
type JobQueueMessage struct {
	JobID         string         `json:"job_id"`
	JobType       string         `json:"job_type"`
	Stage         int            `json:"stage"`
	Parameters    datatypes.JSON `json:"parameters"`
	CorrelationID string         `json:"correlation_id"`
}

// TaskQueueMessage tells a Task Worker to run one task. It is
// self-contained: a worker never needs to re-read the job row to execute
// the handler, only to advance the stage afterward.
type TaskQueueMessage struct {
	TaskID        string         `json:"task_id"`
	ParentJobID   string         `json:"parent_job_id"`
	JobType       string         `json:"job_type"`
	TaskType      string         `json:"task_type"`
	Stage         int            `json:"stage"`
	Parameters    datatypes.JSON `json:"parameters"`
	CorrelationID string         `json:"correlation_id"`
}
