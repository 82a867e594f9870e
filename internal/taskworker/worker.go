// Package taskworker implements the Task Worker: a pool of goroutines
// consuming the tasks queue, dispatching to registered handlers, and
// driving the "last task turns out the lights" stage-advancement
// protocol. Concurrency pool shape and panic recovery are adapted from
// the teacher's jobs/worker.Worker; the DB-claim polling loop it used is
// replaced with broker-driven dispatch, since tasks here arrive as
// messages rather than rows to poll for.
package taskworker

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/geoflux/coremachine/internal/broker"
	"github.com/geoflux/coremachine/internal/controller"
	jobrepo "github.com/geoflux/coremachine/internal/data/repos/job"
	taskrepo "github.com/geoflux/coremachine/internal/data/repos/task"
	domaintask "github.com/geoflux/coremachine/internal/domain/task"
	"github.com/geoflux/coremachine/internal/domain/message"
	"github.com/geoflux/coremachine/internal/metrics"
	"github.com/geoflux/coremachine/internal/platform/ctxutil"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
	"github.com/geoflux/coremachine/internal/platform/logger"
	"github.com/geoflux/coremachine/internal/registry"
)

type Worker struct {
	Jobs       jobrepo.Repo
	Tasks      taskrepo.Repo
	Broker     broker.Broker
	Handlers   *registry.TaskTable
	Controller *controller.Controller
	Log        *logger.Logger
	Limiter    *rate.Limiter
	Metrics    *metrics.Metrics

	Queue              string
	JobsQueue          string
	HandlerTimeout     time.Duration
	VisibilityTimeout  time.Duration
}

func New(jobs jobrepo.Repo, tasks taskrepo.Repo, b broker.Broker, handlers *registry.TaskTable, ctrl *controller.Controller, baseLog *logger.Logger) *Worker {
	return &Worker{
		Jobs:              jobs,
		Tasks:             tasks,
		Broker:            b,
		Handlers:          handlers,
		Controller:        ctrl,
		Log:               baseLog.With("component", "TaskWorker"),
		Queue:             controller.QueueTasks,
		JobsQueue:         controller.QueueJobs,
		HandlerTimeout:    30 * time.Minute,
		VisibilityTimeout: 2 * time.Minute,
	}
}

// Start launches concurrency goroutines, each running an independent
// receive-dispatch loop, and blocks until the group's context is
// canceled or a goroutine returns a fatal (non-task) error.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	w.Log.Info("starting task worker pool", "concurrency", concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error { return w.runLoop(gctx) })
	}
	return g.Wait()
}

func (w *Worker) runLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if w.Limiter != nil {
			if err := w.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		msg, err := w.Broker.Receive(ctx, w.Queue, w.VisibilityTimeout)
		if err != nil {
			w.Log.Warn("receive failed", "error", err)
			continue
		}
		if msg == nil {
			continue
		}
		w.handleSafely(ctx, msg)
	}
}

// handleSafely recovers and logs any panic raised while dispatching a
// message, so the worker goroutine keeps running; the same safety net the
// teacher's worker wraps around job handler dispatch. A panic inside the
// handler itself is turned into a failed task result by safeRun.
func (w *Worker) handleSafely(ctx context.Context, msg *broker.Message) {
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error("task dispatch panic", "panic", r)
		}
	}()
	if err := w.handle(ctx, msg); err != nil {
		w.Log.Warn("task handling failed", "error", err)
	}
}

func (w *Worker) handle(ctx context.Context, msg *broker.Message) error {
	var tm message.TaskQueueMessage
	if err := json.Unmarshal(msg.Body, &tm); err != nil {
		w.Log.Error("malformed task message, dropping", "error", err)
		return w.Broker.Ack(ctx, w.Queue, msg)
	}
	ctx = ctxutil.WithCorrelationData(ctx, &ctxutil.CorrelationData{
		CorrelationID: tm.CorrelationID,
		JobID:         tm.ParentJobID,
		TaskID:        tm.TaskID,
	})
	log := w.Log.With(append([]interface{}{"stage", tm.Stage}, ctxutil.LogFields(ctx)...)...)

	// Step 1: CAS queued -> processing.
	t, claimed, err := w.Tasks.ClaimQueued(dbctx.Context{Ctx: ctx}, tm.TaskID)
	if err != nil {
		return err
	}
	if !claimed {
		// Duplicate delivery of an already-claimed or terminal task.
		return w.Broker.Ack(ctx, w.Queue, msg)
	}

	w.runHandler(ctx, log, t)

	result, err := w.Controller.AdvanceOrFinalizeStage(ctx, t.ParentJobID, t.Stage)
	if err != nil {
		log.Error("stage advancement failed", "error", err)
	} else if result == controller.AdvancedToNextStage {
		if jerr := w.enqueueNextStage(ctx, t.ParentJobID); jerr != nil {
			log.Error("enqueue next stage failed", "error", jerr)
		}
	}

	return w.Broker.Ack(ctx, w.Queue, msg)
}

// Step 2-4: look up the handler, run it under a timeout, write the
// terminal status.
func (w *Worker) runHandler(ctx context.Context, log *logger.Logger, t *domaintask.Task) {
	handler, ok := w.Handlers.Get(t.TaskType)
	if !ok {
		log.Error("unknown task type", "task_type", t.TaskType)
		_ = w.Tasks.WriteResult(dbctx.Context{Ctx: ctx}, t.TaskID, domaintask.StatusFailed, nil, "unknown task_type")
		return
	}

	hctx, cancel := context.WithTimeout(ctx, w.HandlerTimeout)
	defer cancel()

	started := time.Now()
	result, runErr := safeRun(hctx, handler, t.Parameters)
	if runErr != nil {
		_ = w.Tasks.WriteResult(dbctx.Context{Ctx: ctx}, t.TaskID, domaintask.StatusFailed, nil, runErr.Error())
		if w.Metrics != nil {
			w.Metrics.TaskProcessed(t.TaskType, "failed", time.Since(started))
		}
		return
	}

	wrapped, err := json.Marshal(map[string]interface{}{"success": true, "result": result})
	if err != nil {
		_ = w.Tasks.WriteResult(dbctx.Context{Ctx: ctx}, t.TaskID, domaintask.StatusFailed, nil, err.Error())
		if w.Metrics != nil {
			w.Metrics.TaskProcessed(t.TaskType, "failed", time.Since(started))
		}
		return
	}
	_ = w.Tasks.WriteResult(dbctx.Context{Ctx: ctx}, t.TaskID, domaintask.StatusCompleted, wrapped, "")
	if w.Metrics != nil {
		w.Metrics.TaskProcessed(t.TaskType, "completed", time.Since(started))
	}
}

func (w *Worker) enqueueNextStage(ctx context.Context, jobID string) error {
	j, err := w.Jobs.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return nil
	}
	body, err := json.Marshal(message.JobQueueMessage{
		JobID:      j.JobID,
		JobType:    j.JobType,
		Stage:      j.Stage,
		Parameters: j.Parameters,
	})
	if err != nil {
		return err
	}
	_, err = w.Broker.Send(ctx, w.JobsQueue, body)
	return err
}
