// Package coreerr is the engine's error taxonomy, distilled from the
// teacher's sentinel-error package. Submission returns the sentinel
// errors and the task worker wraps handler errors in HandlerFailure; the
// controller and janitor record failures as plain error_details strings.
package coreerr

import "errors"

var (
	// ErrInvalidParameters is returned by a JobClass at submission time.
	// No job row is created; the caller sees this error directly.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrUnknownJobType / ErrUnknownTaskType mean a message named a
	// type no class or handler is registered for. The job or task is
	// marked failed with a descriptive error_details, not retried.
	ErrUnknownJobType  = errors.New("unknown job type")
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrInvariantViolation covers cases like a stage-advance request
	// for an already-completed job: logged, message acknowledged, no
	// state change.
	ErrInvariantViolation = errors.New("invariant violation")
)

// HandlerFailure wraps an error a TaskHandler raised. The task is marked
// failed and the underlying error captured verbatim in error_details.
type HandlerFailure struct {
	Err error
}

func NewHandlerFailure(err error) *HandlerFailure { return &HandlerFailure{Err: err} }

func (e *HandlerFailure) Error() string { return e.Err.Error() }
func (e *HandlerFailure) Unwrap() error { return e.Err }

// StaleState names a task stuck in "queued" past Q_TIMEOUT or
// "processing" past P_TIMEOUT. The Task Watchdog writes these reasons to
// error_details directly and does not construct this type.
type StaleState struct {
	Reason string // "stale processing" or "orphaned queued"
}

func (e *StaleState) Error() string { return e.Reason }

// Transient marks a store/broker I/O error as retryable at the message
// layer (nack, let the broker redeliver) rather than a stored task/job
// status. It is never persisted; it only shapes ack/nack behavior.
type Transient struct {
	Err error
}

func NewTransient(err error) *Transient { return &Transient{Err: err} }

func (e *Transient) Error() string { return "transient: " + e.Err.Error() }
func (e *Transient) Unwrap() error { return e.Err }
