// Package controller implements the Job Controller: the component that
// turns one stage of a job into task rows and task messages, and decides
// when a stage is done. Structured around the teacher's orchestrator
// engine's stage loop, but drives Postgres-backed job/task rows instead
// of a single JSON state blob, because here rows are the source of
// truth, not a snapshot.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/geoflux/coremachine/internal/broker"
	domainjob "github.com/geoflux/coremachine/internal/domain/job"
	"github.com/geoflux/coremachine/internal/domain/message"
	domaintask "github.com/geoflux/coremachine/internal/domain/task"
	"github.com/geoflux/coremachine/internal/ids"
	jobrepo "github.com/geoflux/coremachine/internal/data/repos/job"
	taskrepo "github.com/geoflux/coremachine/internal/data/repos/task"
	"github.com/geoflux/coremachine/internal/metrics"
	"github.com/geoflux/coremachine/internal/platform/ctxutil"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
	"github.com/geoflux/coremachine/internal/platform/logger"
	"github.com/geoflux/coremachine/internal/registry"
)

const (
	QueueJobs  = "coremachine:jobs"
	QueueTasks = "coremachine:tasks"
)

type Controller struct {
	Jobs     jobrepo.Repo
	Tasks    taskrepo.Repo
	Broker   broker.Broker
	Registry *registry.JobTable
	Log      *logger.Logger
	Metrics  *metrics.Metrics

	JobsQueue  string
	TasksQueue string
}

func New(jobs jobrepo.Repo, tasks taskrepo.Repo, b broker.Broker, reg *registry.JobTable, baseLog *logger.Logger) *Controller {
	return &Controller{
		Jobs:       jobs,
		Tasks:      tasks,
		Broker:     b,
		Registry:   reg,
		Log:        baseLog.With("component", "Controller"),
		JobsQueue:  QueueJobs,
		TasksQueue: QueueTasks,
	}
}

// HandleJobMessage implements spec steps 1-9 for one (job_id, stage)
// message. It never returns an error for conditions the taxonomy calls
// InvariantViolation or UnknownJobType — those are logged and the
// message is treated as handled (ack), because retrying them can never
// succeed.
func (c *Controller) HandleJobMessage(ctx context.Context, msg message.JobQueueMessage) error {
	ctx = ctxutil.WithCorrelationData(ctx, &ctxutil.CorrelationData{
		CorrelationID: msg.CorrelationID,
		JobID:         msg.JobID,
	})
	log := c.Log.With(append([]interface{}{"stage", msg.Stage}, ctxutil.LogFields(ctx)...)...)

	j, err := c.Jobs.GetByID(dbctx.Context{Ctx: ctx}, msg.JobID)
	if err != nil {
		return fmt.Errorf("controller: load job: %w", err)
	}
	if j == nil {
		log.Warn("job message references unknown job row")
		return nil
	}

	// Step 1: terminal jobs never re-process a stage message.
	if j.Status.Terminal() {
		return nil
	}
	// Step 2: stage-transition guard against stale redelivery.
	if j.Stage > msg.Stage {
		return nil
	}

	class, ok := c.Registry.Get(j.JobType)
	if !ok {
		log.Error("unknown job type at dispatch", "job_type", j.JobType)
		if _, err := c.Jobs.MarkFailed(dbctx.Context{Ctx: ctx}, j.JobID, "unknown job_type"); err != nil {
			return fmt.Errorf("controller: mark failed: %w", err)
		}
		c.recordTerminal(j, "failed")
		return nil
	}

	// Step 3: queued -> processing only happens once, entering stage 1.
	if msg.Stage == 1 && j.Status == domainjob.StatusQueued {
		if err := c.Jobs.UpdateFields(dbctx.Context{Ctx: ctx}, j.JobID, map[string]interface{}{
			"status": domainjob.StatusProcessing,
		}); err != nil {
			return fmt.Errorf("controller: transition to processing: %w", err)
		}
		if c.Metrics != nil {
			c.Metrics.SetJobStage(j.JobID, j.JobType, 1)
		}
	}

	stageDef := findStage(class.Stages(), msg.Stage)
	if stageDef == nil {
		log.Error("invariant violation: no stage definition", "stage", msg.Stage)
		return nil
	}

	// Step 4: collect previous stage's results, in task_index order.
	var prevResults []registry.PrevResult
	if msg.Stage > 1 {
		prevTasks, err := c.Tasks.ListCompletedByJobStageOrdered(dbctx.Context{Ctx: ctx}, j.JobID, msg.Stage-1)
		if err != nil {
			return fmt.Errorf("controller: list previous stage results: %w", err)
		}
		prevResults = projectResults(prevTasks)
	}

	// Steps 5-6: determine parallelism and generate task specs.
	var specs []registry.TaskSpec
	switch stageDef.Parallelism {
	case registry.FanIn:
		aggID := ids.TaskID(j.JobID, msg.Stage, "aggregate")
		params, err := marshalPreviousResults(prevResults)
		if err != nil {
			return fmt.Errorf("controller: marshal fan-in parameters: %w", err)
		}
		specs = []registry.TaskSpec{{TaskID: aggID, TaskType: stageDef.TaskType, Parameters: params}}
	default:
		specs, err = class.CreateTasksForStage(msg.Stage, j.Parameters, j.JobID, prevResults)
		if err != nil {
			log.Error("job type rejected task generation", "error", err)
			if _, ferr := c.Jobs.MarkFailed(dbctx.Context{Ctx: ctx}, j.JobID, err.Error()); ferr != nil {
				return fmt.Errorf("controller: mark failed after task generation error: %w", ferr)
			}
			c.recordTerminal(j, "failed")
			return nil
		}
	}

	// Step 9: empty fan-out — nothing to run at this stage.
	if len(specs) == 0 {
		return c.advanceEmptyStage(ctx, j, msg.Stage, class)
	}

	taskRows := buildTaskRows(specs, j, msg.Stage)
	// Step 7: idempotent insertion.
	existingOrNew, err := c.Tasks.InsertIfAbsent(dbctx.Context{Ctx: ctx}, taskRows)
	if err != nil {
		return fmt.Errorf("controller: insert tasks: %w", err)
	}

	// Step 8: enqueue one message per still-queued task.
	for _, t := range existingOrNew {
		if t.Status != domaintask.StatusQueued {
			continue
		}
		body, err := json.Marshal(message.TaskQueueMessage{
			TaskID:        t.TaskID,
			ParentJobID:   t.ParentJobID,
			JobType:       t.JobType,
			TaskType:      t.TaskType,
			Stage:         t.Stage,
			Parameters:    t.Parameters,
			CorrelationID: msg.CorrelationID,
		})
		if err != nil {
			return fmt.Errorf("controller: marshal task message: %w", err)
		}
		if _, err := c.Broker.Send(ctx, c.TasksQueue, body); err != nil {
			return fmt.Errorf("controller: enqueue task message: %w", err)
		}
	}
	return nil
}

// Start runs a single receive-dispatch loop against the jobs queue until
// ctx is canceled. Unlike the task worker's pool, one job message never
// does enough work to justify more than one consumer per process; scale
// by running more controller processes instead.
func (c *Controller) Start(ctx context.Context) error {
	c.Log.Info("starting job controller", "queue", c.JobsQueue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := c.Broker.Receive(ctx, c.JobsQueue, 2*time.Minute)
		if err != nil {
			c.Log.Warn("receive failed", "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		var jm message.JobQueueMessage
		if err := json.Unmarshal(msg.Body, &jm); err != nil {
			c.Log.Error("malformed job message, dropping", "error", err)
			_ = c.Broker.Ack(ctx, c.JobsQueue, msg)
			continue
		}
		if err := c.HandleJobMessage(ctx, jm); err != nil {
			c.Log.Error("job message handling failed", "job_id", jm.JobID, "error", err)
			continue
		}
		_ = c.Broker.Ack(ctx, c.JobsQueue, msg)
	}
}

func (c *Controller) advanceEmptyStage(ctx context.Context, j *domainjob.Job, stage int, class registry.JobClass) error {
	if stage < j.TotalStages {
		if err := c.Jobs.UpdateFields(dbctx.Context{Ctx: ctx}, j.JobID, map[string]interface{}{"stage": stage + 1}); err != nil {
			return fmt.Errorf("controller: advance empty stage: %w", err)
		}
		if c.Metrics != nil {
			c.Metrics.SetJobStage(j.JobID, j.JobType, stage+1)
		}
		body, err := json.Marshal(message.JobQueueMessage{
			JobID:      j.JobID,
			JobType:    j.JobType,
			Stage:      stage + 1,
			Parameters: j.Parameters,
		})
		if err != nil {
			return fmt.Errorf("controller: marshal job message: %w", err)
		}
		_, err = c.Broker.Send(ctx, c.JobsQueue, body)
		return err
	}
	result, err := class.FinalizeJob(j.JobID, nil)
	if err != nil {
		return fmt.Errorf("controller: finalize empty final stage: %w", err)
	}
	if _, err := c.Jobs.MarkCompleted(dbctx.Context{Ctx: ctx}, j.JobID, result); err != nil {
		return err
	}
	c.recordTerminal(j, "completed")
	return nil
}

// recordTerminal emits the completed/failed counter and duration
// histogram for a job that just reached a terminal status, and clears
// its stage gauge now that it no longer has a "current stage".
func (c *Controller) recordTerminal(j *domainjob.Job, status string) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.JobTerminal(j.JobType, status, j.CreatedAt)
	c.Metrics.ClearJobStage(j.JobID, j.JobType)
}

func findStage(stages []registry.StageDef, n int) *registry.StageDef {
	for i := range stages {
		if stages[i].Number == n {
			return &stages[i]
		}
	}
	return nil
}

func projectResults(tasks []*domaintask.Task) []registry.PrevResult {
	out := make([]registry.PrevResult, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, registry.PrevResult{
			TaskID:  t.TaskID,
			Success: t.Status == domaintask.StatusCompleted,
			Result:  t.ResultData,
		})
	}
	return out
}

func marshalPreviousResults(results []registry.PrevResult) (datatypes.JSON, error) {
	b, err := json.Marshal(map[string]interface{}{"previous_results": results})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func buildTaskRows(specs []registry.TaskSpec, j *domainjob.Job, stage int) []*domaintask.Task {
	out := make([]*domaintask.Task, 0, len(specs))
	for i, s := range specs {
		out = append(out, &domaintask.Task{
			TaskID:      s.TaskID,
			ParentJobID: j.JobID,
			JobType:     j.JobType,
			TaskType:    s.TaskType,
			Stage:       stage,
			TaskIndex:   i,
			Status:      domaintask.StatusQueued,
			Parameters:  s.Parameters,
		})
	}
	return out
}
