package submission_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/geoflux/coremachine/internal/broker"
	"github.com/geoflux/coremachine/internal/controller"
	"github.com/geoflux/coremachine/internal/coreerr"
	jobrepo "github.com/geoflux/coremachine/internal/data/repos/job"
	"github.com/geoflux/coremachine/internal/data/repos/testutil"
	domainjob "github.com/geoflux/coremachine/internal/domain/job"
	"github.com/geoflux/coremachine/internal/domain/message"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
	"github.com/geoflux/coremachine/internal/registry"
	"github.com/geoflux/coremachine/internal/submission"
)

func dbctxBackground() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

type fakeBroker struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func newFakeBroker() *fakeBroker { return &fakeBroker{sent: make(map[string][][]byte)} }

func (b *fakeBroker) Send(ctx context.Context, queue string, body []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent[queue] = append(b.sent[queue], body)
	return "msg-id", nil
}
func (b *fakeBroker) Receive(ctx context.Context, queue string, visibility time.Duration) (*broker.Message, error) {
	return nil, nil
}
func (b *fakeBroker) Ack(ctx context.Context, queue string, msg *broker.Message) error  { return nil }
func (b *fakeBroker) Nack(ctx context.Context, queue string, msg *broker.Message) error { return nil }

func (b *fakeBroker) messages(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[queue]
}

type singleStageClass struct{}

func (singleStageClass) JobType() string { return "tile_ingest" }
func (singleStageClass) ValidateParameters(p datatypes.JSON) (datatypes.JSON, error) {
	return p, nil
}
func (singleStageClass) Stages() []registry.StageDef {
	return []registry.StageDef{{Number: 1, TaskType: "reproject_tile", Parallelism: registry.Single}}
}
func (singleStageClass) CreateTasksForStage(stage int, jobParams datatypes.JSON, jobID string, prev []registry.PrevResult) ([]registry.TaskSpec, error) {
	return nil, nil
}
func (singleStageClass) FinalizeJob(jobID string, lastStageResults []registry.PrevResult) (datatypes.JSON, error) {
	return datatypes.JSON(`{}`), nil
}

func newSubmitter(t *testing.T) (*submission.Submitter, jobrepo.Repo, *fakeBroker) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)

	jobs := jobrepo.NewRepo(tx, log)
	reg := registry.NewJobTable()
	require.NoError(t, reg.Register(singleStageClass{}))

	b := newFakeBroker()
	return submission.New(jobs, b, reg), jobs, b
}

func TestSubmit_NewParametersCreatesJobAndEnqueuesStageOne(t *testing.T) {
	s, jobs, b := newSubmitter(t)

	jobID, queued, err := s.Submit(context.Background(), "tile_ingest", datatypes.JSON(`{"tile":"a1"}`))
	require.NoError(t, err)
	require.True(t, queued)
	require.NotEmpty(t, jobID)

	got, err := jobs.GetByID(dbctxBackground(), jobID)
	require.NoError(t, err)
	require.Equal(t, domainjob.StatusQueued, got.Status)
	require.Equal(t, 1, got.TotalStages)

	msgs := b.messages(controller.QueueJobs)
	require.Len(t, msgs, 1)
	var m message.JobQueueMessage
	require.NoError(t, json.Unmarshal(msgs[0], &m))
	require.Equal(t, jobID, m.JobID)
	require.Equal(t, 1, m.Stage)
}

func TestSubmit_SameParametersTwiceIsIdempotent(t *testing.T) {
	s, _, b := newSubmitter(t)

	jobID1, queued1, err := s.Submit(context.Background(), "tile_ingest", datatypes.JSON(`{"tile":"a1"}`))
	require.NoError(t, err)
	require.True(t, queued1)

	jobID2, queued2, err := s.Submit(context.Background(), "tile_ingest", datatypes.JSON(`{"tile":"a1"}`))
	require.NoError(t, err)
	require.False(t, queued2, "resubmitting identical parameters must not requeue")
	require.Equal(t, jobID1, jobID2, "identical parameters must derive the same job_id")

	require.Len(t, b.messages(controller.QueueJobs), 1, "only the first submission enqueues a message")
}

func TestSubmit_DifferentParametersProduceDifferentJobs(t *testing.T) {
	s, _, b := newSubmitter(t)

	jobID1, _, err := s.Submit(context.Background(), "tile_ingest", datatypes.JSON(`{"tile":"a1"}`))
	require.NoError(t, err)
	jobID2, _, err := s.Submit(context.Background(), "tile_ingest", datatypes.JSON(`{"tile":"b2"}`))
	require.NoError(t, err)

	require.NotEqual(t, jobID1, jobID2)
	require.Len(t, b.messages(controller.QueueJobs), 2)
}

func TestSubmit_UnknownJobTypeReturnsError(t *testing.T) {
	s, _, _ := newSubmitter(t)

	_, _, err := s.Submit(context.Background(), "nonexistent", datatypes.JSON(`{}`))
	require.ErrorIs(t, err, coreerr.ErrUnknownJobType)
}
