package janitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/geoflux/coremachine/internal/broker"
	"github.com/geoflux/coremachine/internal/controller"
	jobrepo "github.com/geoflux/coremachine/internal/data/repos/job"
	janitorrunrepo "github.com/geoflux/coremachine/internal/data/repos/janitorrun"
	"github.com/geoflux/coremachine/internal/data/repos/testutil"
	taskrepo "github.com/geoflux/coremachine/internal/data/repos/task"
	domainjob "github.com/geoflux/coremachine/internal/domain/job"
	domaintask "github.com/geoflux/coremachine/internal/domain/task"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
	"github.com/geoflux/coremachine/internal/registry"
)

type fakeBroker struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func newFakeBroker() *fakeBroker { return &fakeBroker{sent: make(map[string][][]byte)} }

func (b *fakeBroker) Send(ctx context.Context, queue string, body []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent[queue] = append(b.sent[queue], body)
	return "id", nil
}
func (b *fakeBroker) Receive(ctx context.Context, queue string, visibility time.Duration) (*broker.Message, error) {
	return nil, nil
}
func (b *fakeBroker) Ack(ctx context.Context, queue string, msg *broker.Message) error  { return nil }
func (b *fakeBroker) Nack(ctx context.Context, queue string, msg *broker.Message) error { return nil }
func (b *fakeBroker) count(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent[queue])
}

type stubJobClass struct{}

func (stubJobClass) JobType() string { return "test_job" }
func (stubJobClass) ValidateParameters(p datatypes.JSON) (datatypes.JSON, error) { return p, nil }
func (stubJobClass) Stages() []registry.StageDef {
	return []registry.StageDef{{Number: 1, TaskType: "step", Parallelism: registry.Single}}
}
func (stubJobClass) CreateTasksForStage(stage int, jobParams datatypes.JSON, jobID string, prev []registry.PrevResult) ([]registry.TaskSpec, error) {
	return nil, nil
}
func (stubJobClass) FinalizeJob(jobID string, lastStageResults []registry.PrevResult) (datatypes.JSON, error) {
	return datatypes.JSON(`{}`), nil
}

func newTestJanitor(t *testing.T, cfg Config) (*Janitor, jobrepo.Repo, taskrepo.Repo, *gorm.DB, *fakeBroker) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)

	jobs := jobrepo.NewRepo(tx, log)
	tasks := taskrepo.NewRepo(tx, log)
	runs := janitorrunrepo.NewRepo(tx, log)
	reg := registry.NewJobTable()
	require.NoError(t, reg.Register(stubJobClass{}))

	b := newFakeBroker()
	ctrl := controller.New(jobs, tasks, b, reg, log)

	j := New(jobs, tasks, runs, b, ctrl, log, cfg)
	return j, jobs, tasks, tx, b
}

func backdateTask(t *testing.T, tx *gorm.DB, taskID, column string, when time.Time) {
	t.Helper()
	require.NoError(t, tx.Model(&domaintask.Task{}).Where("task_id = ?", taskID).Update(column, when).Error)
}

func TestRunTaskWatchdog_RequeuesOrphanedQueuedTask(t *testing.T) {
	j, jobs, tasks, tx, b := newTestJanitor(t, Config{QTimeout: time.Minute, PTimeout: time.Hour, MaxTaskRetries: 5})
	dbc := dbctx.Context{Ctx: context.Background()}

	_, err := jobs.Upsert(dbc, &domainjob.Job{JobID: "job-1", JobType: "test_job", Status: domainjob.StatusProcessing, Stage: 1, TotalStages: 1})
	require.NoError(t, err)
	_, err = tasks.InsertIfAbsent(dbc, []*domaintask.Task{{TaskID: "task-1", ParentJobID: "job-1", JobType: "test_job", TaskType: "step", Stage: 1, Status: domaintask.StatusQueued}})
	require.NoError(t, err)
	backdateTask(t, tx, "task-1", "created_at", time.Now().Add(-2*time.Minute))

	j.runTaskWatchdog(context.Background())

	got, err := tasks.GetByID(dbc, "task-1")
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, 1, b.count(j.Controller.TasksQueue))
}

func TestRunTaskWatchdog_FailsOrphanedQueuedTaskAfterRetriesExhausted(t *testing.T) {
	j, jobs, tasks, tx, _ := newTestJanitor(t, Config{QTimeout: time.Minute, PTimeout: time.Hour, MaxTaskRetries: 1})
	dbc := dbctx.Context{Ctx: context.Background()}

	_, err := jobs.Upsert(dbc, &domainjob.Job{JobID: "job-2", JobType: "test_job", Status: domainjob.StatusProcessing, Stage: 1, TotalStages: 1})
	require.NoError(t, err)
	_, err = tasks.InsertIfAbsent(dbc, []*domaintask.Task{{TaskID: "task-2", ParentJobID: "job-2", JobType: "test_job", TaskType: "step", Stage: 1, Status: domaintask.StatusQueued, RetryCount: 1}})
	require.NoError(t, err)
	backdateTask(t, tx, "task-2", "created_at", time.Now().Add(-2*time.Minute))

	j.runTaskWatchdog(context.Background())

	got, err := tasks.GetByID(dbc, "task-2")
	require.NoError(t, err)
	require.Equal(t, domaintask.StatusFailed, got.Status)
}

func TestRunTaskWatchdog_FailsStaleProcessingTask(t *testing.T) {
	j, jobs, tasks, tx, _ := newTestJanitor(t, Config{QTimeout: time.Hour, PTimeout: time.Minute, MaxTaskRetries: 5})
	dbc := dbctx.Context{Ctx: context.Background()}

	_, err := jobs.Upsert(dbc, &domainjob.Job{JobID: "job-3", JobType: "test_job", Status: domainjob.StatusProcessing, Stage: 1, TotalStages: 1})
	require.NoError(t, err)
	_, err = tasks.InsertIfAbsent(dbc, []*domaintask.Task{{TaskID: "task-3", ParentJobID: "job-3", JobType: "test_job", TaskType: "step", Stage: 1, Status: domaintask.StatusProcessing}})
	require.NoError(t, err)
	backdateTask(t, tx, "task-3", "updated_at", time.Now().Add(-2*time.Minute))

	j.runTaskWatchdog(context.Background())

	got, err := tasks.GetByID(dbc, "task-3")
	require.NoError(t, err)
	require.Equal(t, domaintask.StatusFailed, got.Status)
}

func TestRunJobHealthMonitor_FailsJobWithFailedTaskAtCurrentStage(t *testing.T) {
	j, jobs, tasks, _, _ := newTestJanitor(t, Config{})
	dbc := dbctx.Context{Ctx: context.Background()}

	_, err := jobs.Upsert(dbc, &domainjob.Job{JobID: "job-4", JobType: "test_job", Status: domainjob.StatusProcessing, Stage: 1, TotalStages: 2})
	require.NoError(t, err)
	_, err = tasks.InsertIfAbsent(dbc, []*domaintask.Task{{TaskID: "task-4", ParentJobID: "job-4", JobType: "test_job", TaskType: "step", Stage: 1, Status: domaintask.StatusQueued}})
	require.NoError(t, err)
	_, _, err = tasks.ClaimQueued(dbc, "task-4")
	require.NoError(t, err)
	require.NoError(t, tasks.WriteResult(dbc, "task-4", domaintask.StatusFailed, nil, "handler rejected input"))

	j.runJobHealthMonitor(context.Background())

	got, err := jobs.GetByID(dbc, "job-4")
	require.NoError(t, err)
	require.Equal(t, domainjob.StatusFailed, got.Status)
	require.Equal(t, "handler rejected input", got.ErrorDetails)
}

func TestRunOrphanDetector_FailsStuckQueuedJobAfterOneRequeue(t *testing.T) {
	j, jobs, _, _, b := newTestJanitor(t, Config{StuckQueuedAge: time.Minute, AncientProcessingAge: time.Hour})
	dbc := dbctx.Context{Ctx: context.Background()}

	_, err := jobs.Upsert(dbc, &domainjob.Job{JobID: "job-5", JobType: "test_job", Status: domainjob.StatusQueued, Stage: 1, TotalStages: 1})
	require.NoError(t, err)
	require.NoError(t, jobs.UpdateFields(dbc, "job-5", map[string]interface{}{"updated_at": time.Now().Add(-2 * time.Minute)}))

	j.runOrphanDetector(context.Background())
	got, err := jobs.GetByID(dbc, "job-5")
	require.NoError(t, err)
	require.Equal(t, 1, got.RequeueCount)
	require.Equal(t, domainjob.StatusQueued, got.Status)
	require.Equal(t, 1, b.count(j.Controller.JobsQueue))

	// Simulate the requeue not materializing any tasks before the next cycle.
	require.NoError(t, jobs.UpdateFields(dbc, "job-5", map[string]interface{}{"updated_at": time.Now().Add(-2 * time.Minute)}))
	j.runOrphanDetector(context.Background())

	got, err = jobs.GetByID(dbc, "job-5")
	require.NoError(t, err)
	require.Equal(t, domainjob.StatusFailed, got.Status)
}

func TestRunOrphanDetector_FailsAncientProcessingJob(t *testing.T) {
	j, jobs, _, _, _ := newTestJanitor(t, Config{StuckQueuedAge: time.Hour, AncientProcessingAge: time.Minute})
	dbc := dbctx.Context{Ctx: context.Background()}

	_, err := jobs.Upsert(dbc, &domainjob.Job{JobID: "job-6", JobType: "test_job", Status: domainjob.StatusProcessing, Stage: 1, TotalStages: 1})
	require.NoError(t, err)
	require.NoError(t, jobs.UpdateFields(dbc, "job-6", map[string]interface{}{"created_at": time.Now().Add(-2 * time.Minute)}))

	j.runOrphanDetector(context.Background())

	got, err := jobs.GetByID(dbc, "job-6")
	require.NoError(t, err)
	require.Equal(t, domainjob.StatusFailed, got.Status)
}
