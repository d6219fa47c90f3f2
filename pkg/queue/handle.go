package queue

import (
	"context"
	"sync"

	"github.com/guido-cesarano/caseq/pkg/tasks"
)

// Handle tracks a single submission. It is resolved exactly once, when the task
// reaches a terminal state (succeeded, failed or cancelled).
type Handle struct {
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	task tasks.Task
	err  error
}

func newHandle(t tasks.Task) *Handle {
	return &Handle{done: make(chan struct{}), task: t}
}

// ID returns the unique submission id.
func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task.ID
}

// Task returns the latest snapshot of the task.
func (h *Handle) Task() tasks.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task
}

// Done is closed once the task is settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task's error after it settled: nil on success, a *TaskError on
// failure, or an error matching ErrCancelled when it never ran.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the task settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) update(t tasks.Task) {
	h.mu.Lock()
	h.task = t
	h.mu.Unlock()
}

func (h *Handle) resolve(t tasks.Task, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.task = t
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}
