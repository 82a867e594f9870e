package janitorrun

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domainrun "github.com/geoflux/coremachine/internal/domain/janitorrun"
	"github.com/geoflux/coremachine/internal/pkg/pointers"
	"github.com/geoflux/coremachine/internal/platform/dbctx"
	"github.com/geoflux/coremachine/internal/platform/logger"
)

type Repo interface {
	Start(dbc dbctx.Context, runType domainrun.RunType) (*domainrun.Run, error)
	Complete(dbc dbctx.Context, runID string, scanned, fixed int, durationMS int64, actions []domainrun.Action, runErr error) error
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "janitorrun")}
}

func (r *repo) Start(dbc dbctx.Context, runType domainrun.RunType) (*domainrun.Run, error) {
	run := &domainrun.Run{
		RunID:     uuid.New().String(),
		RunType:   runType,
		Status:    domainrun.RunStatusRunning,
		StartedAt: time.Now(),
	}
	if err := r.db.WithContext(dbc.Ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *repo) Complete(dbc dbctx.Context, runID string, scanned, fixed int, durationMS int64, actions []domainrun.Action, runErr error) error {
	completedAt := pointers.Ptr(time.Now())
	status := domainrun.RunStatusCompleted
	errDetails := ""
	if runErr != nil {
		status = domainrun.RunStatusFailed
		errDetails = runErr.Error()
	}
	actionsJSON, err := marshalActions(actions)
	if err != nil {
		return err
	}
	return r.db.WithContext(dbc.Ctx).
		Model(&domainrun.Run{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{
			"status":        status,
			"completed_at":  completedAt,
			"items_scanned": scanned,
			"items_fixed":   fixed,
			"actions_taken": actionsJSON,
			"error_details": errDetails,
			"duration_ms":   durationMS,
		}).Error
}
