package registry

import (
	"context"

	"gorm.io/datatypes"
)

// TaskHandler executes one task_type. It must be safe to run more than
// once for the same task. A worker crash between a successful Run and the
// result write does not lead to a second Run: the task stays "processing"
// until the Task Watchdog fails it as stale processing.
type TaskHandler interface {
	TaskType() string
	Run(ctx context.Context, params datatypes.JSON) (datatypes.JSON, error)
}
