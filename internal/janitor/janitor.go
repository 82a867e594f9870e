// Package janitor implements the periodic reconciler: three sub-routines
// that requeue lost messages, fail stuck tasks, propagate task failure to
// jobs, and detect orphans/zombies the normal controller/worker flow
// never revisits on its own.
package janitor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/geoflux/coremachine/internal/broker"
	"github.com/geoflux/coremachine/internal/controller"
	jobrepo "github.com/geoflux/coremachine/internal/data/repos/job"
	runrepo "github.com/geoflux/coremachine/internal/data/repos/janitorrun"
	taskrepo "github.com/geoflux/coremachine/internal/data/repos/task"
	domainjob "github.com/geoflux/coremachine/internal/domain/job"
	domainrun "github.com/geoflux/coremachine/internal/domain/janitorrun"
	"github.com/geoflux/coremachine/internal/metrics"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
	"github.com/geoflux/coremachine/internal/platform/logger"
)

type Config struct {
	QTimeout             time.Duration
	PTimeout             time.Duration
	MaxTaskRetries       int
	StuckQueuedAge       time.Duration
	AncientProcessingAge time.Duration
	CronSpec             string
}

type Janitor struct {
	Jobs       jobrepo.Repo
	Tasks      taskrepo.Repo
	Runs       runrepo.Repo
	Broker     broker.Broker
	Controller *controller.Controller
	Log        *logger.Logger
	Config     Config
	Metrics    *metrics.Metrics

	cron *cron.Cron
}

func New(jobs jobrepo.Repo, tasks taskrepo.Repo, runs runrepo.Repo, b broker.Broker, ctrl *controller.Controller, baseLog *logger.Logger, cfg Config) *Janitor {
	return &Janitor{
		Jobs:       jobs,
		Tasks:      tasks,
		Runs:       runs,
		Broker:     b,
		Controller: ctrl,
		Log:        baseLog.With("component", "Janitor"),
		Config:     cfg,
	}
}

// Start schedules all three sub-routines on one cron spec and blocks
// until ctx is canceled. cron/v3's seconds field lets operators run the
// reconciler more often than once a minute, which a bare time.Ticker
// would do too but without a readable schedule expression.
func (j *Janitor) Start(ctx context.Context) error {
	spec := j.Config.CronSpec
	if spec == "" {
		spec = "*/30 * * * * *"
	}
	j.cron = cron.New(cron.WithSeconds())
	if _, err := j.cron.AddFunc(spec, func() { j.RunAll(ctx) }); err != nil {
		return err
	}
	j.cron.Start()
	<-ctx.Done()
	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

func (j *Janitor) RunAll(ctx context.Context) {
	j.runTaskWatchdog(ctx)
	j.runJobHealthMonitor(ctx)
	j.runOrphanDetector(ctx)
}

func (j *Janitor) startRun(ctx context.Context, runType domainrun.RunType) *domainrun.Run {
	run, err := j.Runs.Start(dbctx.Context{Ctx: ctx}, runType)
	if err != nil {
		j.Log.Error("failed to record janitor run start", "run_type", runType, "error", err)
		return nil
	}
	return run
}

func (j *Janitor) completeRun(ctx context.Context, run *domainrun.Run, scanned, fixed int, actions []domainrun.Action, cause error) {
	if run == nil {
		return
	}
	var wrapped error
	status := "completed"
	if cause != nil {
		wrapped = errors.Wrap(cause, string(run.RunType))
		status = "failed"
	}
	durationMS := time.Since(run.StartedAt).Milliseconds()
	if err := j.Runs.Complete(dbctx.Context{Ctx: ctx}, run.RunID, scanned, fixed, durationMS, actions, wrapped); err != nil {
		j.Log.Error("failed to record janitor run completion", "run_id", run.RunID, "error", err)
	}
	if j.Metrics != nil {
		j.Metrics.JanitorRun(string(run.RunType), status, scanned, fixed)
	}
}

// recordTerminal emits the completed/failed counter and duration
// histogram for a job the janitor itself just pushed into a terminal
// status, and clears its stage gauge.
func (j *Janitor) recordTerminal(jb *domainjob.Job, status string) {
	if j.Metrics == nil {
		return
	}
	j.Metrics.JobTerminal(jb.JobType, status, jb.CreatedAt)
	j.Metrics.ClearJobStage(jb.JobID, jb.JobType)
}
