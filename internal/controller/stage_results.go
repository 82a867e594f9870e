package controller

import (
	"encoding/json"
	"strconv"

	"gorm.io/datatypes"

	"github.com/geoflux/coremachine/internal/registry"
)

// stageResultEntry is the JSON shape persisted under jobs.stage_results,
// one per completed task. Kept separate from registry.PrevResult so the
// durable column shape doesn't move just because the in-memory handler
// contract does.
type stageResultEntry struct {
	TaskID  string         `json:"task_id"`
	Success bool           `json:"success"`
	Result  datatypes.JSON `json:"result,omitempty"`
}

// mergeStageResults folds one stage's completed-task results into the
// job's existing stage_results blob, keyed by stage number, as a record
// on the job row of what each finished stage produced. The controller and
// the Job Health Monitor do not read this blob; they query the tasks
// table for previous and partial results.
func mergeStageResults(existing datatypes.JSON, stage int, results []registry.PrevResult) (datatypes.JSON, error) {
	snapshot := map[string][]stageResultEntry{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &snapshot); err != nil {
			return nil, err
		}
	}

	entries := make([]stageResultEntry, 0, len(results))
	for _, r := range results {
		entries = append(entries, stageResultEntry{TaskID: r.TaskID, Success: r.Success, Result: r.Result})
	}
	snapshot[strconv.Itoa(stage)] = entries

	b, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
