package job_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	job "github.com/geoflux/coremachine/internal/data/repos/job"
	"github.com/geoflux/coremachine/internal/data/repos/testutil"
	domainjob "github.com/geoflux/coremachine/internal/domain/job"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
)

func newRepo(t *testing.T) (job.Repo, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	return job.NewRepo(tx, testutil.Logger(t)), dbctx.Context{Ctx: context.Background()}
}

func sampleJob(id string) *domainjob.Job {
	return &domainjob.Job{
		JobID:       id,
		JobType:     "tile_ingest",
		Status:      domainjob.StatusQueued,
		Stage:       1,
		TotalStages: 3,
	}
}

func TestUpsert_SecondCallIsNoOp(t *testing.T) {
	repo, dbc := newRepo(t)

	created, err := repo.Upsert(dbc, sampleJob("job-1"))
	require.NoError(t, err)
	require.True(t, created)

	created, err = repo.Upsert(dbc, sampleJob("job-1"))
	require.NoError(t, err)
	require.False(t, created, "resubmitting the same job_id must not create a second row")
}

func TestMarkCompleted_RefusesToOverwriteTerminalStatus(t *testing.T) {
	repo, dbc := newRepo(t)
	_, err := repo.Upsert(dbc, sampleJob("job-2"))
	require.NoError(t, err)

	ok, err := repo.MarkFailed(dbc, "job-2", "boom")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.MarkCompleted(dbc, "job-2", []byte(`{"ok":true}`))
	require.NoError(t, err)
	require.False(t, ok, "a failed job must stay failed")

	got, err := repo.GetByID(dbc, "job-2")
	require.NoError(t, err)
	require.Equal(t, domainjob.StatusFailed, got.Status)
}

func TestWithLock_UpdateInsideFnIsVisibleAfterReturn(t *testing.T) {
	repo, dbc := newRepo(t)
	_, err := repo.Upsert(dbc, sampleJob("job-3"))
	require.NoError(t, err)

	err = repo.WithLock(dbc, "job-3", func(tx *gorm.DB, j *domainjob.Job) error {
		require.Equal(t, "job-3", j.JobID)
		return tx.Model(&domainjob.Job{}).
			Where("job_id = ?", j.JobID).
			Update("stage", 2).Error
	})
	require.NoError(t, err)

	got, err := repo.GetByID(dbc, "job-3")
	require.NoError(t, err)
	require.Equal(t, 2, got.Stage)
}

func TestListStuckQueued_ReturnsQueuedJobWithNoTasksOlderThanCutoff(t *testing.T) {
	repo, dbc := newRepo(t)
	old := sampleJob("job-old")
	_, err := repo.Upsert(dbc, old)
	require.NoError(t, err)

	cutoff := time.Now().Add(time.Hour)
	jobs, err := repo.ListStuckQueued(dbc, cutoff)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "job-old", jobs[0].JobID)
}

func TestIncrementRequeueCount(t *testing.T) {
	repo, dbc := newRepo(t)
	_, err := repo.Upsert(dbc, sampleJob("job-4"))
	require.NoError(t, err)

	require.NoError(t, repo.IncrementRequeueCount(dbc, "job-4"))
	got, err := repo.GetByID(dbc, "job-4")
	require.NoError(t, err)
	require.Equal(t, 1, got.RequeueCount)
}
