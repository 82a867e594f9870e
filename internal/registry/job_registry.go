package registry

import (
	"fmt"
	"sync"
)

// JobTable is a concurrency-safe map of job_type -> JobClass.
//
// Invariants:
//   - at most one class may be registered per job_type
//   - registration happens at process startup
//   - lookups happen concurrently from controller goroutines
type JobTable struct {
	mu      sync.RWMutex
	classes map[string]JobClass
}

func NewJobTable() *JobTable {
	return &JobTable{classes: make(map[string]JobClass)}
}

// Register adds a class to the table. Duplicate registration is a fatal
// wiring error: two classes claiming the same job_type means execution
// would be non-deterministic, and that should fail at startup, not at
// runtime under load.
func (t *JobTable) Register(c JobClass) error {
	if c == nil {
		return fmt.Errorf("registry: nil JobClass")
	}
	jt := c.JobType()
	if jt == "" {
		return fmt.Errorf("registry: JobClass.JobType() is empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.classes[jt]; exists {
		return fmt.Errorf("registry: job class already registered for job_type=%s", jt)
	}
	t.classes[jt] = c
	return nil
}

// MustRegister panics on error. Intended for package-level init in
// cmd/coremachine where a duplicate or malformed registration should stop
// the process immediately.
func (t *JobTable) MustRegister(c JobClass) {
	if err := t.Register(c); err != nil {
		panic(err)
	}
}

func (t *JobTable) Get(jobType string) (JobClass, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.classes[jobType]
	return c, ok
}
