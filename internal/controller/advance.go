package controller

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	domainjob "github.com/geoflux/coremachine/internal/domain/job"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
)

// StageResult tags what AdvanceOrFinalizeStage decided, so the caller
// (task worker after a result write, or the orphan detector re-triggering
// a zombie job) knows whether it still owes a JobQueueMessage.
type StageResult int

const (
	NeedsMoreWork StageResult = iota
	AdvancedToNextStage
	Finalized
	PartialFailureDetected
)

// AdvanceOrFinalizeStage is the "last task turns out the lights" protocol
// (spec §4.4.5): under one row lock on the job, count the current stage's
// tasks and decide whether the stage just went terminal. Mirrors the
// teacher's ClaimNextRunnable transactional shape: lock, read, decide,
// write, all inside one DB transaction.
func (c *Controller) AdvanceOrFinalizeStage(ctx context.Context, jobID string, stage int) (StageResult, error) {
	var result StageResult
	err := c.Jobs.WithLock(dbctx.Context{Ctx: ctx}, jobID, func(tx *gorm.DB, j *domainjob.Job) error {
		if j.Status.Terminal() {
			result = NeedsMoreWork
			return nil
		}
		if j.Stage != stage {
			// Another worker already advanced this job past the stage
			// this caller is reporting on; nothing more to do here.
			result = NeedsMoreWork
			return nil
		}

		counts, err := c.Tasks.CountByJobStageTx(tx, jobID, stage)
		if err != nil {
			return fmt.Errorf("count tasks for stage: %w", err)
		}

		if counts.Queued+counts.Processing > 0 {
			result = NeedsMoreWork
			return nil
		}
		if counts.Failed > 0 {
			result = PartialFailureDetected
			return nil
		}

		class, ok := c.Registry.Get(j.JobType)
		if !ok {
			return fmt.Errorf("unknown job_type=%s for job_id=%s", j.JobType, j.JobID)
		}

		completed, err := c.Tasks.ListCompletedByJobStageOrdered(dbctx.Context{Ctx: ctx, Tx: tx}, jobID, stage)
		if err != nil {
			return fmt.Errorf("list completed stage results: %w", err)
		}
		stageResults, err := mergeStageResults(j.StageResults, stage, projectResults(completed))
		if err != nil {
			return fmt.Errorf("merge stage results: %w", err)
		}

		if stage < j.TotalStages {
			if err := tx.Model(&domainjob.Job{}).
				Where("job_id = ?", j.JobID).
				Updates(map[string]interface{}{
					"stage":         stage + 1,
					"stage_results": stageResults,
				}).Error; err != nil {
				return fmt.Errorf("advance stage: %w", err)
			}
			if c.Metrics != nil {
				c.Metrics.SetJobStage(j.JobID, j.JobType, stage+1)
			}
			result = AdvancedToNextStage
			return nil
		}

		resultData, err := class.FinalizeJob(jobID, projectResults(completed))
		if err != nil {
			return fmt.Errorf("finalize job: %w", err)
		}
		if err := tx.Model(&domainjob.Job{}).
			Where("job_id = ?", j.JobID).
			Updates(map[string]interface{}{
				"status":        domainjob.StatusCompleted,
				"result_data":   resultData,
				"stage_results": stageResults,
			}).Error; err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		c.recordTerminal(j, "completed")
		result = Finalized
		return nil
	})
	if err != nil {
		return NeedsMoreWork, err
	}
	return result, nil
}
