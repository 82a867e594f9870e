package janitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/geoflux/coremachine/internal/controller"
	domainrun "github.com/geoflux/coremachine/internal/domain/janitorrun"
	"github.com/geoflux/coremachine/internal/domain/message"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
)

// runOrphanDetector covers the reconciliation paths the watchdog and the
// health monitor don't: task rows whose job no longer exists, jobs whose
// stage went terminal but never advanced (the worker that should have
// turned out the lights died first), jobs stuck in "queued" with no tasks
// at all, and jobs stuck in "processing" far longer than any real stage
// should take.
func (j *Janitor) runOrphanDetector(ctx context.Context) {
	run := j.startRun(ctx, domainrun.RunOrphanDetector)
	scanned, fixed := 0, 0
	var actions []domainrun.Action

	orphanTasks, err := j.Tasks.FindOrphanTasks(dbctx.Context{Ctx: ctx})
	if err != nil {
		j.Log.Error("failed to scan for orphan tasks", "error", err)
	}
	for _, t := range orphanTasks {
		scanned++
		j.Log.Warn("orphan task with no parent job", "task_id", t.TaskID, "parent_job_id", t.ParentJobID)
		actions = append(actions, domainrun.Action{Kind: "log_orphan_task", TargetID: t.TaskID})
	}

	zombieJobs, err := j.Jobs.ListZombieProcessing(dbctx.Context{Ctx: ctx})
	if err != nil {
		j.Log.Error("failed to scan for zombie jobs", "error", err)
	}
	for _, jb := range zombieJobs {
		scanned++
		res, err := j.Controller.AdvanceOrFinalizeStage(ctx, jb.JobID, jb.Stage)
		switch {
		case err != nil:
			j.Log.Error("failed to re-trigger zombie job", "job_id", jb.JobID, "error", err)
		case res == controller.NeedsMoreWork:
			if _, ferr := j.Jobs.MarkFailed(dbctx.Context{Ctx: ctx}, jb.JobID, "zombie job: stuck after re-trigger"); ferr != nil {
				j.Log.Error("failed to fail zombie job", "job_id", jb.JobID, "error", ferr)
				continue
			}
			j.recordTerminal(jb, "failed")
			actions = append(actions, domainrun.Action{Kind: "fail_zombie_job", TargetID: jb.JobID})
			fixed++
		case res == controller.AdvancedToNextStage:
			if err := j.enqueueJobStage(ctx, jb.JobID); err != nil {
				j.Log.Error("failed to enqueue advanced zombie job", "job_id", jb.JobID, "error", err)
				continue
			}
			actions = append(actions, domainrun.Action{Kind: "advance_zombie_job", TargetID: jb.JobID})
			fixed++
		case res == controller.Finalized:
			actions = append(actions, domainrun.Action{Kind: "finalize_zombie_job", TargetID: jb.JobID})
			fixed++
		}
	}

	stuckQueued, err := j.Jobs.ListStuckQueued(dbctx.Context{Ctx: ctx}, time.Now().Add(-j.Config.StuckQueuedAge))
	if err != nil {
		j.Log.Error("failed to scan for stuck queued jobs", "error", err)
	}
	for _, jb := range stuckQueued {
		scanned++
		if jb.RequeueCount >= 1 {
			if _, err := j.Jobs.MarkFailed(dbctx.Context{Ctx: ctx}, jb.JobID, "stuck queued: no tasks materialized after requeue"); err != nil {
				j.Log.Error("failed to fail stuck queued job", "job_id", jb.JobID, "error", err)
				continue
			}
			j.recordTerminal(jb, "failed")
			actions = append(actions, domainrun.Action{Kind: "fail_stuck_queued", TargetID: jb.JobID})
			fixed++
			continue
		}
		if err := j.Jobs.IncrementRequeueCount(dbctx.Context{Ctx: ctx}, jb.JobID); err != nil {
			j.Log.Error("failed to bump requeue count", "job_id", jb.JobID, "error", err)
			continue
		}
		if err := j.enqueueJobStage(ctx, jb.JobID); err != nil {
			j.Log.Error("failed to re-enqueue stuck queued job", "job_id", jb.JobID, "error", err)
			continue
		}
		actions = append(actions, domainrun.Action{Kind: "requeue_stuck_queued", TargetID: jb.JobID})
		fixed++
	}

	ancient, err := j.Jobs.ListAncientProcessing(dbctx.Context{Ctx: ctx}, time.Now().Add(-j.Config.AncientProcessingAge))
	if err != nil {
		j.Log.Error("failed to scan for ancient processing jobs", "error", err)
	}
	for _, jb := range ancient {
		scanned++
		if _, err := j.Jobs.MarkFailed(dbctx.Context{Ctx: ctx}, jb.JobID, "ancient processing job exceeded max age"); err != nil {
			j.Log.Error("failed to fail ancient processing job", "job_id", jb.JobID, "error", err)
			continue
		}
		j.recordTerminal(jb, "failed")
		actions = append(actions, domainrun.Action{Kind: "fail_ancient_processing", TargetID: jb.JobID})
		fixed++
	}

	j.completeRun(ctx, run, scanned, fixed, actions, nil)
}

func (j *Janitor) enqueueJobStage(ctx context.Context, jobID string) error {
	jb, err := j.Jobs.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return err
	}
	if jb == nil {
		return nil
	}
	body, err := json.Marshal(message.JobQueueMessage{
		JobID:      jb.JobID,
		JobType:    jb.JobType,
		Stage:      jb.Stage,
		Parameters: jb.Parameters,
	})
	if err != nil {
		return err
	}
	_, err = j.Broker.Send(ctx, j.Controller.JobsQueue, body)
	return err
}
