// Package task is the State Store's Task side. Insertion is idempotent via
// ON CONFLICT DO NOTHING on the deterministic task_id; claiming is a CAS
// update guarded on status so at-least-once delivery never runs a handler
// twice for the same successful attempt.
package task

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domaintask "github.com/geoflux/coremachine/internal/domain/task"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
	"github.com/geoflux/coremachine/internal/platform/logger"
)

type StageCounts struct {
	Total      int64
	Queued     int64
	Processing int64
	Completed  int64
	Failed     int64
}

type Repo interface {
	// InsertIfAbsent inserts any rows whose task_id doesn't already
	// exist, then returns every row (newly inserted or pre-existing) so
	// the caller can tell which tasks still need a queue message.
	InsertIfAbsent(dbc dbctx.Context, tasks []*domaintask.Task) ([]*domaintask.Task, error)

	GetByID(dbc dbctx.Context, taskID string) (*domaintask.Task, error)

	// ClaimQueued performs the queued->processing CAS. ok is false when
	// the row was not in "queued" status, meaning a redelivered message
	// found work already claimed or finished by another worker.
	ClaimQueued(dbc dbctx.Context, taskID string) (t *domaintask.Task, ok bool, err error)

	WriteResult(dbc dbctx.Context, taskID string, status domaintask.Status, resultData []byte, errDetails string) error

	ListCompletedByJobStageOrdered(dbc dbctx.Context, jobID string, stage int) ([]*domaintask.Task, error)
	ListFailedByJobStage(dbc dbctx.Context, jobID string, stage int) ([]*domaintask.Task, error)

	// CountByJobStageTx runs inside the job repo's WithLock transaction
	// so the stage-advancement decision sees a consistent snapshot.
	CountByJobStageTx(tx *gorm.DB, jobID string, stage int) (StageCounts, error)

	FindOrphanedQueued(dbc dbctx.Context, olderThan time.Time) ([]*domaintask.Task, error)
	FindStaleProcessing(dbc dbctx.Context, olderThan time.Time) ([]*domaintask.Task, error)
	FindOrphanTasks(dbc dbctx.Context) ([]*domaintask.Task, error)

	RequeueIncrementRetry(dbc dbctx.Context, taskID string) (retryCount int, err error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "task")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) InsertIfAbsent(dbc dbctx.Context, tasks []*domaintask.Task) ([]*domaintask.Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	now := time.Now()
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		ids = append(ids, t.TaskID)
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&tasks).Error; err != nil {
		return nil, err
	}
	var out []*domaintask.Task
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("task_id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) GetByID(dbc dbctx.Context, taskID string) (*domaintask.Task, error) {
	var t domaintask.Task
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("task_id = ?", taskID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *repo) ClaimQueued(dbc dbctx.Context, taskID string) (*domaintask.Task, bool, error) {
	now := time.Now()
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domaintask.Task{}).
		Where("task_id = ? AND status = ?", taskID, domaintask.StatusQueued).
		Updates(map[string]interface{}{
			"status":     domaintask.StatusProcessing,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	t, err := r.GetByID(dbc, taskID)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func (r *repo) WriteResult(dbc dbctx.Context, taskID string, status domaintask.Status, resultData []byte, errDetails string) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domaintask.Task{}).
		Where("task_id = ?", taskID).
		Updates(map[string]interface{}{
			"status":        status,
			"result_data":   resultData,
			"error_details": errDetails,
			"updated_at":    time.Now(),
		}).Error
}

func (r *repo) ListCompletedByJobStageOrdered(dbc dbctx.Context, jobID string, stage int) ([]*domaintask.Task, error) {
	var out []*domaintask.Task
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("parent_job_id = ? AND stage = ? AND status = ?", jobID, stage, domaintask.StatusCompleted).
		Order("task_index ASC").
		Find(&out).Error
	return out, err
}

func (r *repo) ListFailedByJobStage(dbc dbctx.Context, jobID string, stage int) ([]*domaintask.Task, error) {
	var out []*domaintask.Task
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("parent_job_id = ? AND stage = ? AND status = ?", jobID, stage, domaintask.StatusFailed).
		Order("task_index ASC").
		Find(&out).Error
	return out, err
}

func (r *repo) CountByJobStageTx(tx *gorm.DB, jobID string, stage int) (StageCounts, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := tx.Model(&domaintask.Task{}).
		Select("status, count(*) as n").
		Where("parent_job_id = ? AND stage = ?", jobID, stage).
		Group("status").
		Scan(&rows).Error; err != nil {
		return StageCounts{}, err
	}
	var c StageCounts
	for _, r2 := range rows {
		c.Total += r2.N
		switch domaintask.Status(r2.Status) {
		case domaintask.StatusQueued:
			c.Queued = r2.N
		case domaintask.StatusProcessing:
			c.Processing = r2.N
		case domaintask.StatusCompleted:
			c.Completed = r2.N
		case domaintask.StatusFailed:
			c.Failed = r2.N
		}
	}
	return c, nil
}

func (r *repo) FindOrphanedQueued(dbc dbctx.Context, olderThan time.Time) ([]*domaintask.Task, error) {
	var out []*domaintask.Task
	// created_at, not updated_at: a requeue bumps updated_at, and using
	// that column here would reset the staleness clock on every retry
	// instead of measuring time since the task was first queued.
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("status = ? AND created_at < ?", domaintask.StatusQueued, olderThan).
		Find(&out).Error
	return out, err
}

func (r *repo) FindStaleProcessing(dbc dbctx.Context, olderThan time.Time) ([]*domaintask.Task, error) {
	var out []*domaintask.Task
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("status = ? AND updated_at < ?", domaintask.StatusProcessing, olderThan).
		Find(&out).Error
	return out, err
}

func (r *repo) FindOrphanTasks(dbc dbctx.Context) ([]*domaintask.Task, error) {
	var out []*domaintask.Task
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where(`status IN ? AND NOT EXISTS (
			SELECT 1 FROM jobs WHERE jobs.job_id = tasks.parent_job_id
		)`, []domaintask.Status{domaintask.StatusQueued, domaintask.StatusProcessing}).
		Find(&out).Error
	return out, err
}

func (r *repo) RequeueIncrementRetry(dbc dbctx.Context, taskID string) (int, error) {
	now := time.Now()
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domaintask.Task{}).
		Where("task_id = ?", taskID).
		Updates(map[string]interface{}{
			"status":     domaintask.StatusQueued,
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at": now,
		}).Error
	if err != nil {
		return 0, err
	}
	t, err := r.GetByID(dbc, taskID)
	if err != nil {
		return 0, err
	}
	if t == nil {
		return 0, nil
	}
	return t.RetryCount, nil
}
