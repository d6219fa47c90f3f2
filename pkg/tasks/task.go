// Package tasks defines the core data structures for task representation in caseq.
// A task is one unit of work bound to a case; tasks of the same case are executed
// strictly one at a time by the queue manager.
package tasks

import (
	"errors"
	"strings"
	"time"
)

// Task is a point-in-time description of a submitted unit of work.
// The executable part of a task (its work function) is owned by the queue;
// Task itself is a plain value that can be logged, serialized and stored.
//
// CaseKey groups tasks for serialization, TaskID names the kind of work within the
// case and is used for de-duplication, and ID distinguishes individual submissions.
type Task struct {
	// ID is a unique identifier for this submission (UUID).
	ID string `json:"id"`

	// CaseKey identifies the case this task belongs to.
	CaseKey string `json:"case_key"`

	// TaskID identifies the kind of task within the case (e.g. "photo-upload-1-front").
	// Two submissions with the same CaseKey and TaskID are considered duplicates while queued.
	TaskID string `json:"task_id"`

	// Priority determines the processing order within a case.
	// Higher priority tasks are processed before lower priority ones.
	// 0 = Low, 1 = Normal, 2 = High
	Priority Priority `json:"priority"`

	// Seq is the monotonic submission sequence used as the FIFO tiebreak.
	Seq uint64 `json:"seq"`

	// State is the lifecycle state of the task.
	State State `json:"state"`

	// SubmittedAt is the timestamp when the task was first enqueued.
	SubmittedAt time.Time `json:"submitted_at"`

	// StartedAt is set when the task starts running.
	StartedAt time.Time `json:"started_at,omitempty"`

	// FinishedAt is set when the task reaches a terminal state.
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Error holds the failure or cancellation reason, if any.
	Error string `json:"error,omitempty"`
}

// Priority orders tasks within a case queue.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// ErrUnknownPriority is returned by ParsePriority for unrecognised names.
var ErrUnknownPriority = errors.New("tasks: unknown priority")

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority converts "low", "normal" or "high" into a Priority.
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "default":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, ErrUnknownPriority
	}
}

// State represents the lifecycle of a task:
// queued -> running -> {succeeded | failed | cancelled}. A queued task may also be cancelled directly.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// AllStates lists every task state in lifecycle order.
var AllStates = []State{StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled}

// ErrUnknownState is returned by ParseState for unrecognised values.
var ErrUnknownState = errors.New("tasks: unknown state")

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// IsTerminal reports whether no further transition can happen from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// ParseState converts a string into a State.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownState
}

// Duration returns how long the task ran, or zero if it never started or has not finished.
func (t Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// Wait returns how long the task sat in the queue before it started running.
func (t Task) Wait() time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	return t.StartedAt.Sub(t.SubmittedAt)
}
