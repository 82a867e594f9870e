package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestJobSubmitted_IncrementsCounter(t *testing.T) {
	m := New()
	m.JobSubmitted("tile_ingest")
	m.JobSubmitted("tile_ingest")

	require.Equal(t, float64(2), testutil.ToFloat64(m.jobsSubmitted.WithLabelValues("tile_ingest")))
}

func TestJobTerminal_RecordsCompletedAndFailedSeparately(t *testing.T) {
	m := New()
	submittedAt := time.Now().Add(-time.Second)

	m.JobTerminal("tile_ingest", "completed", submittedAt)
	m.JobTerminal("tile_ingest", "failed", submittedAt)
	m.JobTerminal("tile_ingest", "failed", submittedAt)

	require.Equal(t, float64(1), testutil.ToFloat64(m.jobsCompleted.WithLabelValues("tile_ingest")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.jobsFailed.WithLabelValues("tile_ingest")))
}

func TestSetJobStage_ThenClear(t *testing.T) {
	m := New()
	m.SetJobStage("job-1", "tile_ingest", 2)
	require.Equal(t, float64(2), testutil.ToFloat64(m.jobStageGauge.WithLabelValues("job-1", "tile_ingest")))

	m.ClearJobStage("job-1", "tile_ingest")
	require.Equal(t, 0, testutil.CollectAndCount(m.jobStageGauge))
}

func TestTaskProcessed_IncrementsByStatus(t *testing.T) {
	m := New()
	m.TaskProcessed("reproject_tile", "completed", 50*time.Millisecond)
	m.TaskProcessed("reproject_tile", "failed", 10*time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(m.tasksProcessed.WithLabelValues("reproject_tile", "completed")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.tasksProcessed.WithLabelValues("reproject_tile", "failed")))
}

func TestTaskRetried_IncrementsCounter(t *testing.T) {
	m := New()
	m.TaskRetried("reproject_tile")
	m.TaskRetried("reproject_tile")
	m.TaskRetried("reproject_tile")

	require.Equal(t, float64(3), testutil.ToFloat64(m.taskRetries.WithLabelValues("reproject_tile")))
}

func TestJanitorRun_TalliesScannedAndFixedAcrossRuns(t *testing.T) {
	m := New()
	m.JanitorRun("task_watchdog", "completed", 10, 3)
	m.JanitorRun("task_watchdog", "completed", 5, 1)

	require.Equal(t, float64(2), testutil.ToFloat64(m.janitorRuns.WithLabelValues("task_watchdog", "completed")))
	require.Equal(t, float64(15), testutil.ToFloat64(m.janitorScanned.WithLabelValues("task_watchdog")))
	require.Equal(t, float64(4), testutil.ToFloat64(m.janitorFixed.WithLabelValues("task_watchdog")))
}

func TestHandler_ServesCollectedMetrics(t *testing.T) {
	m := New()
	m.JobSubmitted("tile_ingest")

	require.NotNil(t, m.Handler())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `coremachine_jobs_submitted_total{job_type="tile_ingest"} 1`)
}
