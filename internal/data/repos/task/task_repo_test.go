package task_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	jobrepo "github.com/geoflux/coremachine/internal/data/repos/job"
	"github.com/geoflux/coremachine/internal/data/repos/task"
	"github.com/geoflux/coremachine/internal/data/repos/testutil"
	domainjob "github.com/geoflux/coremachine/internal/domain/job"
	domaintask "github.com/geoflux/coremachine/internal/domain/task"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
)

func newRepos(t *testing.T) (task.Repo, jobrepo.Repo, *gorm.DB, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	return task.NewRepo(tx, log), jobrepo.NewRepo(tx, log), tx, dbctx.Context{Ctx: context.Background()}
}

func sampleTask(id, jobID string, stage, idx int) *domaintask.Task {
	return &domaintask.Task{
		TaskID:      id,
		ParentJobID: jobID,
		JobType:     "tile_ingest",
		TaskType:    "reproject_tile",
		Stage:       stage,
		TaskIndex:   idx,
		Status:      domaintask.StatusQueued,
	}
}

func TestInsertIfAbsent_IsIdempotent(t *testing.T) {
	tasks, jobs, _, dbc := newRepos(t)
	_, err := jobs.Upsert(dbc, &domainjob.Job{JobID: "job-1", JobType: "tile_ingest", Status: domainjob.StatusQueued, Stage: 1, TotalStages: 1})
	require.NoError(t, err)

	in := []*domaintask.Task{sampleTask("task-1", "job-1", 1, 0)}
	out, err := tasks.InsertIfAbsent(dbc, in)
	require.NoError(t, err)
	require.Len(t, out, 1)

	out2, err := tasks.InsertIfAbsent(dbc, []*domaintask.Task{sampleTask("task-1", "job-1", 1, 0)})
	require.NoError(t, err)
	require.Len(t, out2, 1, "re-inserting the same task_id must not create a duplicate row")
}

func TestClaimQueued_FailsOnSecondAttempt(t *testing.T) {
	tasks, jobs, _, dbc := newRepos(t)
	_, err := jobs.Upsert(dbc, &domainjob.Job{JobID: "job-2", JobType: "tile_ingest", Status: domainjob.StatusQueued, Stage: 1, TotalStages: 1})
	require.NoError(t, err)
	_, err = tasks.InsertIfAbsent(dbc, []*domaintask.Task{sampleTask("task-2", "job-2", 1, 0)})
	require.NoError(t, err)

	got, ok, err := tasks.ClaimQueued(dbc, "task-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domaintask.StatusProcessing, got.Status)

	_, ok, err = tasks.ClaimQueued(dbc, "task-2")
	require.NoError(t, err)
	require.False(t, ok, "a redelivered claim on an already-processing task must be rejected")
}

func TestCountByJobStageTx_TalliesEveryStatus(t *testing.T) {
	tasks, jobs, tx, dbc := newRepos(t)
	_, err := jobs.Upsert(dbc, &domainjob.Job{JobID: "job-3", JobType: "tile_ingest", Status: domainjob.StatusQueued, Stage: 1, TotalStages: 1})
	require.NoError(t, err)

	in := []*domaintask.Task{
		sampleTask("task-3a", "job-3", 1, 0),
		sampleTask("task-3b", "job-3", 1, 1),
	}
	_, err = tasks.InsertIfAbsent(dbc, in)
	require.NoError(t, err)
	_, _, err = tasks.ClaimQueued(dbc, "task-3a")
	require.NoError(t, err)
	require.NoError(t, tasks.WriteResult(dbc, "task-3a", domaintask.StatusCompleted, nil, ""))

	counts, err := tasks.CountByJobStageTx(tx, "job-3", 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.Total)
	require.Equal(t, int64(1), counts.Completed)
	require.Equal(t, int64(1), counts.Queued)
}

func TestRequeueIncrementRetry(t *testing.T) {
	tasks, jobs, _, dbc := newRepos(t)
	_, err := jobs.Upsert(dbc, &domainjob.Job{JobID: "job-4", JobType: "tile_ingest", Status: domainjob.StatusQueued, Stage: 1, TotalStages: 1})
	require.NoError(t, err)
	_, err = tasks.InsertIfAbsent(dbc, []*domaintask.Task{sampleTask("task-4", "job-4", 1, 0)})
	require.NoError(t, err)

	retryCount, err := tasks.RequeueIncrementRetry(dbc, "task-4")
	require.NoError(t, err)
	require.Equal(t, 1, retryCount)

	got, err := tasks.GetByID(dbc, "task-4")
	require.NoError(t, err)
	require.Equal(t, domaintask.StatusQueued, got.Status)
}
