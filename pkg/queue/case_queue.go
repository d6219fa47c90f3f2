package queue

import (
	"context"
	"slices"
	"sort"

	"github.com/guido-cesarano/caseq/pkg/tasks"
)

// entry is a queued task together with everything needed to run and settle it.
type entry struct {
	task   tasks.Task
	work   Work
	ctx    context.Context
	opts   submitOptions
	handle *Handle
}

// caseQueue holds the tasks of one case. All fields are guarded by Manager.mu.
//
// pending is kept sorted by priority (high first) and then by Seq (oldest first),
// so the head is always the next task to run.
type caseQueue struct {
	key      string
	pending  []*entry
	current  *entry
	draining bool
}

func newCaseQueue(key string) *caseQueue {
	return &caseQueue{key: key}
}

// runsBefore reports whether a must run before b.
func runsBefore(a, b *entry) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.task.Seq < b.task.Seq
}

func (q *caseQueue) insert(e *entry) {
	i := sort.Search(len(q.pending), func(i int) bool {
		return runsBefore(e, q.pending[i])
	})
	q.pending = slices.Insert(q.pending, i, e)
}

func (q *caseQueue) indexOf(taskID string) int {
	return slices.IndexFunc(q.pending, func(e *entry) bool {
		return e.task.TaskID == taskID
	})
}

func (q *caseQueue) removeAt(i int) *entry {
	e := q.pending[i]
	q.pending = slices.Delete(q.pending, i, i+1)
	return e
}

// pop removes and returns the head of pending, or nil when empty.
func (q *caseQueue) pop() *entry {
	if len(q.pending) == 0 {
		return nil
	}
	return q.removeAt(0)
}

// drainPending empties pending and returns the removed entries in run order.
func (q *caseQueue) drainPending() []*entry {
	out := q.pending
	q.pending = nil
	return out
}

func (q *caseQueue) idle() bool {
	return len(q.pending) == 0 && q.current == nil
}
