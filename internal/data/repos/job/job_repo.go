// Package job is the State Store's Job side: the only place that issues
// SQL against the jobs table. CAS-guarded updates and row locking live
// here so the controller, worker, and janitor never race each other on a
// job's status or stage.
package job

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domainjob "github.com/geoflux/coremachine/internal/domain/job"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
	"github.com/geoflux/coremachine/internal/platform/logger"
)

type Repo interface {
	// Upsert inserts a job row if job_id doesn't already exist. The
	// returned bool is false when the row already existed, which is how
	// submission recognizes a duplicate/retried request as a no-op.
	Upsert(dbc dbctx.Context, j *domainjob.Job) (created bool, err error)

	GetByID(dbc dbctx.Context, jobID string) (*domainjob.Job, error)

	UpdateFields(dbc dbctx.Context, jobID string, updates map[string]interface{}) error

	// MarkCompleted and MarkFailed are terminal-status guarded: once a
	// job is completed or failed, neither can overwrite it. This is the
	// same UpdateFieldsUnlessStatus shape the state store uses
	// everywhere a write must not stomp a terminal row.
	MarkCompleted(dbc dbctx.Context, jobID string, resultData []byte) (bool, error)
	MarkFailed(dbc dbctx.Context, jobID string, errDetails string) (bool, error)

	// WithLock runs fn inside a transaction holding a row lock on the
	// job, so stage-advancement decisions (count tasks, decide, write)
	// happen atomically with respect to every other task worker
	// finishing the same stage at the same moment.
	WithLock(dbc dbctx.Context, jobID string, fn func(tx *gorm.DB, j *domainjob.Job) error) error

	IncrementRequeueCount(dbc dbctx.Context, jobID string) error

	// Finder queries used by the Orphan Detector and Job Health Monitor.
	ListProcessingWithFailedTaskAtStage(dbc dbctx.Context) ([]*domainjob.Job, error)
	ListZombieProcessing(dbc dbctx.Context) ([]*domainjob.Job, error)
	ListStuckQueued(dbc dbctx.Context, olderThan time.Time) ([]*domainjob.Job, error)
	ListAncientProcessing(dbc dbctx.Context, olderThan time.Time) ([]*domainjob.Job, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "job")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Upsert(dbc dbctx.Context, j *domainjob.Job) (bool, error) {
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(j)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) GetByID(dbc dbctx.Context, jobID string) (*domainjob.Job, error) {
	var j domainjob.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("job_id = ?", jobID).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *repo) UpdateFields(dbc dbctx.Context, jobID string, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domainjob.Job{}).
		Where("job_id = ?", jobID).
		Updates(updates).Error
}

func (r *repo) updateUnlessTerminal(dbc dbctx.Context, jobID string, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domainjob.Job{}).
		Where("job_id = ? AND status NOT IN ?", jobID, []domainjob.Status{domainjob.StatusCompleted, domainjob.StatusFailed}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkCompleted(dbc dbctx.Context, jobID string, resultData []byte) (bool, error) {
	return r.updateUnlessTerminal(dbc, jobID, map[string]interface{}{
		"status":      domainjob.StatusCompleted,
		"result_data": resultData,
	})
}

func (r *repo) MarkFailed(dbc dbctx.Context, jobID string, errDetails string) (bool, error) {
	return r.updateUnlessTerminal(dbc, jobID, map[string]interface{}{
		"status":        domainjob.StatusFailed,
		"error_details": errDetails,
	})
}

func (r *repo) WithLock(dbc dbctx.Context, jobID string, fn func(tx *gorm.DB, j *domainjob.Job) error) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(txn *gorm.DB) error {
		var j domainjob.Job
		if err := txn.Clauses(clause.Locking{Strength: "UPDATE"}).Where("job_id = ?", jobID).First(&j).Error; err != nil {
			return err
		}
		return fn(txn, &j)
	})
}

func (r *repo) IncrementRequeueCount(dbc dbctx.Context, jobID string) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domainjob.Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"requeue_count": gorm.Expr("requeue_count + 1"),
			"updated_at":    time.Now(),
		}).Error
}

func (r *repo) ListProcessingWithFailedTaskAtStage(dbc dbctx.Context) ([]*domainjob.Job, error) {
	var jobs []*domainjob.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where(`status = ? AND EXISTS (
			SELECT 1 FROM tasks
			WHERE tasks.parent_job_id = jobs.job_id
			AND tasks.stage = jobs.stage
			AND tasks.status = ?
		)`, domainjob.StatusProcessing, "failed").
		Find(&jobs).Error
	return jobs, err
}

// ListZombieProcessing finds jobs sitting in "processing" at a stage where
// no task is queued or processing and none has failed either — i.e. every
// task at the current stage reports completed, but the stage never
// advanced. This happens when the task that would have "turned out the
// lights" crashed after writing its result but before the advance step.
func (r *repo) ListZombieProcessing(dbc dbctx.Context) ([]*domainjob.Job, error) {
	var jobs []*domainjob.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where(`status = ? AND EXISTS (
			SELECT 1 FROM tasks
			WHERE tasks.parent_job_id = jobs.job_id
			AND tasks.stage = jobs.stage
		) AND NOT EXISTS (
			SELECT 1 FROM tasks
			WHERE tasks.parent_job_id = jobs.job_id
			AND tasks.stage = jobs.stage
			AND tasks.status IN ?
		)`, domainjob.StatusProcessing, []string{"queued", "processing", "failed"}).
		Find(&jobs).Error
	return jobs, err
}

func (r *repo) ListStuckQueued(dbc dbctx.Context, olderThan time.Time) ([]*domainjob.Job, error) {
	var jobs []*domainjob.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where(`status = ? AND updated_at < ? AND NOT EXISTS (
			SELECT 1 FROM tasks WHERE tasks.parent_job_id = jobs.job_id
		)`, domainjob.StatusQueued, olderThan).
		Find(&jobs).Error
	return jobs, err
}

func (r *repo) ListAncientProcessing(dbc dbctx.Context, olderThan time.Time) ([]*domainjob.Job, error) {
	var jobs []*domainjob.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("status = ? AND created_at < ?", domainjob.StatusProcessing, olderThan).
		Find(&jobs).Error
	return jobs, err
}
