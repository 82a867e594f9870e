// Package ctxutil carries correlation data through a context.Context so
// log lines emitted deep inside a handler or repo call still include the
// job/task/correlation identifiers that produced them.
package ctxutil

import "context"

type correlationKey struct{}

type CorrelationData struct {
	CorrelationID string
	JobID         string
	TaskID        string
}

func WithCorrelationData(ctx context.Context, cd *CorrelationData) context.Context {
	return context.WithValue(ctx, correlationKey{}, cd)
}

func GetCorrelationData(ctx context.Context) *CorrelationData {
	val := ctx.Value(correlationKey{})
	if cd, ok := val.(*CorrelationData); ok {
		return cd
	}
	return nil
}

// LogFields flattens correlation data into the key/value pairs
// logger.Logger methods expect, or nil if ctx carries none.
func LogFields(ctx context.Context) []interface{} {
	cd := GetCorrelationData(ctx)
	if cd == nil {
		return nil
	}
	fields := make([]interface{}, 0, 6)
	if cd.CorrelationID != "" {
		fields = append(fields, "correlation_id", cd.CorrelationID)
	}
	if cd.JobID != "" {
		fields = append(fields, "job_id", cd.JobID)
	}
	if cd.TaskID != "" {
		fields = append(fields, "task_id", cd.TaskID)
	}
	return fields
}
