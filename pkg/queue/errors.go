package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyCaseKey is returned when a submission has no case key.
	ErrEmptyCaseKey = errors.New("queue: case key is empty")
	// ErrEmptyTaskID is returned when a submission has no task id.
	ErrEmptyTaskID = errors.New("queue: task id is empty")
	// ErrNilWork is returned when a submission has no work function.
	ErrNilWork = errors.New("queue: work is nil")
	// ErrClosed is returned by Enqueue after Close and is the cancellation cause
	// of tasks that were still queued at Close.
	ErrClosed = errors.New("queue: manager is closed")
	// ErrCancelled is the resolution of a task removed before it started.
	ErrCancelled = errors.New("queue: task cancelled")
	// ErrSuperseded resolves a queued task replaced by a newer submission with the
	// same task id. It matches ErrCancelled under errors.Is.
	ErrSuperseded = fmt.Errorf("%w: superseded by a newer submission", ErrCancelled)
	// ErrTaskPanicked wraps a panic recovered from a task's work function.
	ErrTaskPanicked = errors.New("queue: task panicked")
)

// SubmissionError reports an invalid Enqueue call. Nothing is queued when it is returned.
type SubmissionError struct {
	CaseKey string
	TaskID  string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("invalid submission (case=%q task=%q): %v", e.CaseKey, e.TaskID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TaskError wraps the error returned (or panic raised) by a task's work.
// It is delivered only to that task's OnError callback and handle.
type TaskError struct {
	CaseKey string
	TaskID  string
	Err     error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s/%s failed: %v", e.CaseKey, e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// IsCancelled reports whether err resolves a task that never ran.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func validateSubmission(caseKey, taskID string, work Work) error {
	var cause error
	switch {
	case caseKey == "":
		cause = ErrEmptyCaseKey
	case taskID == "":
		cause = ErrEmptyTaskID
	case work == nil:
		cause = ErrNilWork
	default:
		return nil
	}
	return &SubmissionError{CaseKey: caseKey, TaskID: taskID, Err: cause}
}
