package janitorrun_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/geoflux/coremachine/internal/data/repos/janitorrun"
	"github.com/geoflux/coremachine/internal/data/repos/testutil"
	domainrun "github.com/geoflux/coremachine/internal/domain/janitorrun"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
)

func newRepo(t *testing.T) (janitorrun.Repo, *gorm.DB, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	return janitorrun.NewRepo(tx, testutil.Logger(t)), tx, dbctx.Context{Ctx: context.Background()}
}

func TestStart_CreatesRunningRow(t *testing.T) {
	repo, _, dbc := newRepo(t)

	run, err := repo.Start(dbc, domainrun.RunOrphanDetector)
	require.NoError(t, err)
	require.NotEmpty(t, run.RunID)
	require.Equal(t, domainrun.RunStatusRunning, run.Status)
	require.Nil(t, run.CompletedAt)
}

func TestComplete_SuccessPath(t *testing.T) {
	repo, tx, dbc := newRepo(t)
	run, err := repo.Start(dbc, domainrun.RunTaskWatchdog)
	require.NoError(t, err)

	actions := []domainrun.Action{{Kind: "requeue", TargetID: "task-1"}}
	require.NoError(t, repo.Complete(dbc, run.RunID, 5, 1, 42, actions, nil))

	var got domainrun.Run
	require.NoError(t, tx.Where("run_id = ?", run.RunID).First(&got).Error)
	require.Equal(t, domainrun.RunStatusCompleted, got.Status)
	require.Equal(t, 5, got.ItemsScanned)
	require.Equal(t, 1, got.ItemsFixed)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.DurationMS)
	require.Equal(t, int64(42), *got.DurationMS)
	require.JSONEq(t, `[{"kind":"requeue","target_id":"task-1"}]`, string(got.ActionsTaken))
}

func TestComplete_FailurePathRecordsErrorDetails(t *testing.T) {
	repo, tx, dbc := newRepo(t)
	run, err := repo.Start(dbc, domainrun.RunJobHealth)
	require.NoError(t, err)

	require.NoError(t, repo.Complete(dbc, run.RunID, 0, 0, 7, nil, errors.New("scan failed")))

	var got domainrun.Run
	require.NoError(t, tx.Where("run_id = ?", run.RunID).First(&got).Error)
	require.Equal(t, domainrun.RunStatusFailed, got.Status)
	require.Equal(t, "scan failed", got.ErrorDetails)
}
