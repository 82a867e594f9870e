// Package submission is the single entrypoint new work enters through:
// validate against the job class, derive the deterministic job_id,
// upsert the row, and enqueue the stage-1 message — all idempotent, so
// a client that retries a POST after a timeout never double-runs a job.
package submission

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/geoflux/coremachine/internal/broker"
	"github.com/geoflux/coremachine/internal/controller"
	"github.com/geoflux/coremachine/internal/coreerr"
	jobrepo "github.com/geoflux/coremachine/internal/data/repos/job"
	domainjob "github.com/geoflux/coremachine/internal/domain/job"
	"github.com/geoflux/coremachine/internal/domain/message"
	"github.com/geoflux/coremachine/internal/ids"
	"github.com/geoflux/coremachine/internal/metrics"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
	"github.com/geoflux/coremachine/internal/registry"
)

type Submitter struct {
	Jobs     jobrepo.Repo
	Broker   broker.Broker
	Registry *registry.JobTable
	Metrics  *metrics.Metrics

	JobsQueue string
}

func New(jobs jobrepo.Repo, b broker.Broker, reg *registry.JobTable) *Submitter {
	return &Submitter{Jobs: jobs, Broker: b, Registry: reg, JobsQueue: controller.QueueJobs}
}

// Submit validates params against the registered job class, derives a
// deterministic job_id, and enqueues stage 1 only if the job row did not
// already exist. Resubmitting the same (jobType, params) pair is always
// safe: queued comes back false and nothing new is created or sent.
func (s *Submitter) Submit(ctx context.Context, jobType string, params datatypes.JSON) (jobID string, queued bool, err error) {
	class, ok := s.Registry.Get(jobType)
	if !ok {
		return "", false, fmt.Errorf("%w: %s", coreerr.ErrUnknownJobType, jobType)
	}
	normalized, err := class.ValidateParameters(params)
	if err != nil {
		return "", false, fmt.Errorf("%w: %s", coreerr.ErrInvalidParameters, err.Error())
	}

	jobID, err = ids.JobID(jobType, normalized)
	if err != nil {
		return "", false, fmt.Errorf("submission: derive job_id: %w", err)
	}

	stages := class.Stages()
	if len(stages) == 0 {
		return "", false, fmt.Errorf("%w: job_type=%s declares no stages", coreerr.ErrInvariantViolation, jobType)
	}

	job := &domainjob.Job{
		JobID:       jobID,
		JobType:     jobType,
		Parameters:  normalized,
		Status:      domainjob.StatusQueued,
		Stage:       1,
		TotalStages: len(stages),
	}
	created, err := s.Jobs.Upsert(dbctx.Context{Ctx: ctx}, job)
	if err != nil {
		return "", false, fmt.Errorf("submission: upsert job: %w", err)
	}
	if !created {
		return jobID, false, nil
	}

	if s.Metrics != nil {
		s.Metrics.JobSubmitted(jobType)
	}

	body, err := json.Marshal(message.JobQueueMessage{
		JobID:      jobID,
		JobType:    jobType,
		Stage:      1,
		Parameters: normalized,
	})
	if err != nil {
		return jobID, false, fmt.Errorf("submission: marshal job message: %w", err)
	}
	if _, err := s.Broker.Send(ctx, s.JobsQueue, body); err != nil {
		return jobID, false, fmt.Errorf("submission: enqueue stage-1 message: %w", err)
	}

	return jobID, true, nil
}
