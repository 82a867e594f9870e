// Package registry is the dispatch table for the orchestration engine: the
// only place where a job_type or task_type string binds to concrete Go
// code. Controllers and workers never switch on type strings themselves;
// they ask the registry for the class or handler responsible and treat a
// miss as a fatal wiring error, not a retryable one.
package registry

import "gorm.io/datatypes"

// Parallelism describes how a stage turns its inputs into tasks.
type Parallelism string

const (
	// Single produces exactly one task for the stage.
	Single Parallelism = "single"
	// FanOut produces one task per unit of work the JobClass decides on.
	FanOut Parallelism = "fan_out"
	// FanIn collapses every completed task from the previous stage into
	// a single aggregate task; the controller builds this task itself
	// and does not call CreateTasksForStage for it.
	FanIn Parallelism = "fan_in"
)

// StageDef describes one stage of a job's pipeline.
type StageDef struct {
	Number      int
	TaskType    string
	Parallelism Parallelism
}

// TaskSpec is what a JobClass hands back to the controller: enough to
// build a Task row and a TaskQueueMessage, nothing more.
type TaskSpec struct {
	TaskID     string
	TaskType   string
	Parameters datatypes.JSON
}

// PrevResult is one completed task's outcome from the prior stage, handed
// to CreateTasksForStage and FinalizeJob as their only view into history.
type PrevResult struct {
	TaskID  string
	Success bool
	Result  datatypes.JSON
}

// JobClass is the full contract a job type must implement. It is pure:
// no database access, no queue access, no goroutines. The controller owns
// all I/O; a JobClass only computes.
type JobClass interface {
	JobType() string

	// ValidateParameters checks and normalizes caller-supplied
	// parameters, stripping any control flags that must not affect the
	// deterministic job ID. The returned JSON is what the job ID is
	// derived from and what later stages read back as job.Parameters.
	ValidateParameters(params datatypes.JSON) (datatypes.JSON, error)

	// Stages enumerates the pipeline, in order, starting at stage 1.
	Stages() []StageDef

	// CreateTasksForStage computes the work items for a non-fan-in
	// stage. Returning zero specs means the stage has nothing to do and
	// the controller advances past it without creating any tasks.
	CreateTasksForStage(stage int, jobParams datatypes.JSON, jobID string, previousResults []PrevResult) ([]TaskSpec, error)

	// FinalizeJob computes the job's terminal result_data once its last
	// stage's tasks have all completed successfully.
	FinalizeJob(jobID string, lastStageResults []PrevResult) (datatypes.JSON, error)
}
