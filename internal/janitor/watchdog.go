package janitor

import (
	"context"
	"encoding/json"
	"time"

	domainrun "github.com/geoflux/coremachine/internal/domain/janitorrun"
	"github.com/geoflux/coremachine/internal/domain/message"
	domaintask "github.com/geoflux/coremachine/internal/domain/task"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
)

// runTaskWatchdog re-emits tasks stuck in "queued" past Q_TIMEOUT
// (message loss) and fails tasks stuck in "processing" past P_TIMEOUT
// (worker died mid-handler).
func (j *Janitor) runTaskWatchdog(ctx context.Context) {
	run := j.startRun(ctx, domainrun.RunTaskWatchdog)
	scanned, fixed := 0, 0
	var actions []domainrun.Action

	orphanedQueued, err := j.Tasks.FindOrphanedQueued(dbctx.Context{Ctx: ctx}, time.Now().Add(-j.Config.QTimeout))
	if err != nil {
		j.completeRun(ctx, run, scanned, fixed, actions, err)
		return
	}
	for _, t := range orphanedQueued {
		scanned++
		if t.RetryCount+1 >= j.Config.MaxTaskRetries {
			if err := j.Tasks.WriteResult(dbctx.Context{Ctx: ctx}, t.TaskID, domaintask.StatusFailed, nil, "orphaned queued: retries exhausted"); err != nil {
				j.Log.Error("failed to fail orphaned queued task", "task_id", t.TaskID, "error", err)
				continue
			}
			actions = append(actions, domainrun.Action{Kind: "fail_orphaned_queued", TargetID: t.TaskID})
			fixed++
			continue
		}
		if _, err := j.Tasks.RequeueIncrementRetry(dbctx.Context{Ctx: ctx}, t.TaskID); err != nil {
			j.Log.Error("failed to requeue orphaned task", "task_id", t.TaskID, "error", err)
			continue
		}
		if err := j.reemit(ctx, t); err != nil {
			j.Log.Error("failed to re-enqueue orphaned task", "task_id", t.TaskID, "error", err)
			continue
		}
		if j.Metrics != nil {
			j.Metrics.TaskRetried(t.TaskType)
		}
		actions = append(actions, domainrun.Action{Kind: "requeue_orphaned_queued", TargetID: t.TaskID})
		fixed++
	}

	staleProcessing, err := j.Tasks.FindStaleProcessing(dbctx.Context{Ctx: ctx}, time.Now().Add(-j.Config.PTimeout))
	if err != nil {
		j.completeRun(ctx, run, scanned, fixed, actions, err)
		return
	}
	for _, t := range staleProcessing {
		scanned++
		if err := j.Tasks.WriteResult(dbctx.Context{Ctx: ctx}, t.TaskID, domaintask.StatusFailed, nil, "stale processing"); err != nil {
			j.Log.Error("failed to fail stale processing task", "task_id", t.TaskID, "error", err)
			continue
		}
		actions = append(actions, domainrun.Action{Kind: "fail_stale_processing", TargetID: t.TaskID})
		fixed++
	}

	j.completeRun(ctx, run, scanned, fixed, actions, nil)
}

func (j *Janitor) reemit(ctx context.Context, t *domaintask.Task) error {
	body, err := json.Marshal(message.TaskQueueMessage{
		TaskID:      t.TaskID,
		ParentJobID: t.ParentJobID,
		JobType:     t.JobType,
		TaskType:    t.TaskType,
		Stage:       t.Stage,
		Parameters:  t.Parameters,
	})
	if err != nil {
		return err
	}
	_, err = j.Broker.Send(ctx, j.Controller.TasksQueue, body)
	return err
}
