package registry

import (
	"fmt"
	"sync"
)

// TaskTable is a concurrency-safe map of task_type -> TaskHandler,
// mirroring JobTable's duplicate-registration-is-fatal semantics.
type TaskTable struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

func NewTaskTable() *TaskTable {
	return &TaskTable{handlers: make(map[string]TaskHandler)}
}

func (t *TaskTable) Register(h TaskHandler) error {
	if h == nil {
		return fmt.Errorf("registry: nil TaskHandler")
	}
	tt := h.TaskType()
	if tt == "" {
		return fmt.Errorf("registry: TaskHandler.TaskType() is empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handlers[tt]; exists {
		return fmt.Errorf("registry: task handler already registered for task_type=%s", tt)
	}
	t.handlers[tt] = h
	return nil
}

func (t *TaskTable) MustRegister(h TaskHandler) {
	if err := t.Register(h); err != nil {
		panic(err)
	}
}

func (t *TaskTable) Get(taskType string) (TaskHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[taskType]
	return h, ok
}
