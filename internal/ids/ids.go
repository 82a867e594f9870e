// Package ids computes the deterministic job and task identifiers the rest
// of the system relies on for idempotent submission and O(1) stage-to-stage
// lookup. Every function here is pure: same input, same ID, forever.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// JobID derives a 64-hex-char identifier from a job_type and its already
// control-flag-stripped, validated parameters. normalizedParams must be
// canonical JSON produced by a JobClass.ValidateParameters implementation;
// re-marshaling here only re-sorts object keys that a hand-built
// datatypes.JSON literal might not already carry in sorted order.
func JobID(jobType string, normalizedParams []byte) (string, error) {
	canon, err := canonicalize(normalizedParams)
	if err != nil {
		return "", fmt.Errorf("ids: canonicalize job parameters: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{'|'})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TaskID derives a 16-hex-char identifier from a job, a stage number, and a
// logical unit name scoped to that stage (e.g. a tile key, a shard index,
// or "aggregate" for a fan-in stage's single task). The same triple always
// yields the same TaskID, which is what makes redelivery-safe task
// insertion possible via ON CONFLICT DO NOTHING.
func TaskID(jobID string, stage int, logicalUnit string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|s%d|%s", jobID, stage, logicalUnit)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// Predecessor returns the TaskID of the same logical unit one stage back,
// and false if stage is the first stage (no predecessor exists).
func Predecessor(jobID string, stage int, logicalUnit string) (string, bool) {
	if stage <= 1 {
		return "", false
	}
	return TaskID(jobID, stage-1, logicalUnit), true
}

// Successor returns the TaskID of the same logical unit one stage forward.
// Callers are responsible for knowing whether that stage exists.
func Successor(jobID string, stage int, logicalUnit string) string {
	return TaskID(jobID, stage+1, logicalUnit)
}

// canonicalize re-marshals arbitrary JSON through Go's map decoding, which
// sorts object keys alphabetically on the way back out. That gives two
// byte-different-but-semantically-equal JSON documents (reordered keys,
// insignificant whitespace) the same canonical form.
func canonicalize(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		raw = []byte("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
