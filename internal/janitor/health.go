package janitor

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"

	domainrun "github.com/geoflux/coremachine/internal/domain/janitorrun"
	domaintask "github.com/geoflux/coremachine/internal/domain/task"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
)

// runJobHealthMonitor propagates a permanently-failed task up to its job.
// The worker itself never fails a job on a partial failure — it leaves the
// job in "processing" and reports PartialFailureDetected. Failed tasks are
// not retried by the watchdog, so this pass fails the job as soon as a
// janitor cycle sees a failed task at the job's current stage.
func (j *Janitor) runJobHealthMonitor(ctx context.Context) {
	run := j.startRun(ctx, domainrun.RunJobHealth)
	scanned, fixed := 0, 0
	var actions []domainrun.Action

	jobs, err := j.Jobs.ListProcessingWithFailedTaskAtStage(dbctx.Context{Ctx: ctx})
	if err != nil {
		j.completeRun(ctx, run, scanned, fixed, actions, err)
		return
	}

	for _, jb := range jobs {
		scanned++
		completed, err := j.Tasks.ListCompletedByJobStageOrdered(dbctx.Context{Ctx: ctx}, jb.JobID, jb.Stage)
		if err != nil {
			j.Log.Error("failed to list completed tasks for failing job", "job_id", jb.JobID, "error", err)
			continue
		}
		failed, err := j.Tasks.ListFailedByJobStage(dbctx.Context{Ctx: ctx}, jb.JobID, jb.Stage)
		if err != nil {
			j.Log.Error("failed to list failed tasks for failing job", "job_id", jb.JobID, "error", err)
			continue
		}
		firstErr := "stage has a failed task"
		if len(failed) > 0 && failed[0].ErrorDetails != "" {
			firstErr = failed[0].ErrorDetails
		}

		partial, err := partialResultData(completed)
		if err != nil {
			j.Log.Error("failed to marshal partial results", "job_id", jb.JobID, "error", err)
			continue
		}
		if err := j.Jobs.UpdateFields(dbctx.Context{Ctx: ctx}, jb.JobID, map[string]interface{}{
			"result_data": partial,
		}); err != nil {
			j.Log.Error("failed to write partial results before failing job", "job_id", jb.JobID, "error", err)
			continue
		}
		if _, err := j.Jobs.MarkFailed(dbctx.Context{Ctx: ctx}, jb.JobID, firstErr); err != nil {
			j.Log.Error("failed to mark job failed", "job_id", jb.JobID, "error", err)
			continue
		}
		j.recordTerminal(jb, "failed")
		actions = append(actions, domainrun.Action{Kind: "fail_job_partial_results", TargetID: jb.JobID, Detail: firstErr})
		fixed++
	}

	j.completeRun(ctx, run, scanned, fixed, actions, nil)
}

type partialResult struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// partialResultData captures what the failed job's completed siblings
// produced, so error_details names the cause while result_data still
// carries whatever useful work the stage did manage to finish.
func partialResultData(completed []*domaintask.Task) (datatypes.JSON, error) {
	out := make([]partialResult, 0, len(completed))
	for _, t := range completed {
		out = append(out, partialResult{TaskID: t.TaskID, Result: json.RawMessage(t.ResultData)})
	}
	b, err := json.Marshal(map[string]interface{}{"partial_results": out})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
