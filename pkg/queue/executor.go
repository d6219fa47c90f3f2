package queue

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/guido-cesarano/caseq/pkg/tasks"
)

// drain runs the tasks of q one at a time until pending is empty, then evicts q
// from the registry. Exactly one drain goroutine exists per draining queue; Enqueue
// starts it when the queue goes from idle to draining.
//
// Drain Flow:
//  1. Pop the head of pending (highest priority, oldest first) into current
//  2. Skip it as cancelled if its submit context is already done
//  3. Run its work outside the lock
//  4. Clear current, run the task's callback and resolve its handle
//  5. Repeat; on an empty queue evict it while still holding the lock, so a
//     concurrent Enqueue either joins this drain or creates a fresh queue
func (m *Manager) drain(q *caseQueue) {
	defer m.drains.Done()

	for {
		m.mu.Lock()
		e := q.pop()
		if e == nil {
			q.draining = false
			if q.idle() && m.queues[q.key] == q {
				delete(m.queues, q.key)
			}
			stats := m.statsLocked()
			m.mu.Unlock()

			m.metrics.SetDepth(stats)
			m.log.Debug().Str("case_key", q.key).Msg("Case queue drained and evicted")
			return
		}
		m.pending--

		if err := e.ctx.Err(); err != nil {
			stats := m.statsLocked()
			m.mu.Unlock()
			m.metrics.SetDepth(stats)
			m.settleCancelled(e, fmt.Errorf("%w: %w", ErrCancelled, err))
			continue
		}

		e.task.State = tasks.StateRunning
		e.task.StartedAt = m.now()
		q.current = e
		m.running++
		started := e.task
		stats := m.statsLocked()
		m.mu.Unlock()

		m.metrics.SetDepth(stats)
		m.metrics.observeStart(started)
		e.handle.update(started)
		m.log.Debug().
			Str("case_key", started.CaseKey).
			Str("task_id", started.TaskID).
			Str("id", started.ID).
			Dur("waited", started.Wait()).
			Msg("Processing task")

		err := m.execute(e)

		m.mu.Lock()
		q.current = nil
		m.running--
		e.task.FinishedAt = m.now()
		if err != nil {
			err = &TaskError{CaseKey: e.task.CaseKey, TaskID: e.task.TaskID, Err: err}
			e.task.State = tasks.StateFailed
			e.task.Error = err.Error()
		} else {
			e.task.State = tasks.StateSucceeded
		}
		finished := e.task
		stats = m.statsLocked()
		m.mu.Unlock()

		m.metrics.SetDepth(stats)
		m.settle(e, finished, err)
	}
}

// execute runs the task's work, converting a panic into an error.
func (m *Manager) execute(e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Str("case_key", e.task.CaseKey).
				Str("task_id", e.task.TaskID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Task panicked")
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return e.work(e.ctx)
}

// settle delivers the outcome of a task that ran.
func (m *Manager) settle(e *entry, t tasks.Task, err error) {
	if err != nil {
		m.log.Warn().
			Err(err).
			Str("case_key", t.CaseKey).
			Str("task_id", t.TaskID).
			Str("id", t.ID).
			Msg("Task failed")
		if fn := e.opts.onError; fn != nil {
			m.callback(t, func() { fn(t, err) })
		}
	} else {
		m.log.Debug().
			Str("case_key", t.CaseKey).
			Str("task_id", t.TaskID).
			Str("id", t.ID).
			Dur("duration", t.Duration()).
			Msg("Task succeeded")
		if fn := e.opts.onSuccess; fn != nil {
			m.callback(t, func() { fn(t) })
		}
	}
	e.handle.resolve(t, err)
	m.metrics.observeSettled(t)
	m.record(t)
}

// settleCancelled resolves a task that never ran. The caller must have removed it
// from its queue already.
func (m *Manager) settleCancelled(e *entry, reason error) {
	e.task.State = tasks.StateCancelled
	e.task.FinishedAt = m.now()
	e.task.Error = reason.Error()
	t := e.task

	m.log.Debug().
		Str("case_key", t.CaseKey).
		Str("task_id", t.TaskID).
		Str("id", t.ID).
		Str("reason", t.Error).
		Msg("Task cancelled")
	if fn := e.opts.onCancel; fn != nil {
		m.callback(t, func() { fn(t, reason) })
	}
	e.handle.resolve(t, reason)
	m.metrics.observeSettled(t)
	m.record(t)
}

// callback runs a caller supplied callback, containing panics.
func (m *Manager) callback(t tasks.Task, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Str("case_key", t.CaseKey).
				Str("task_id", t.TaskID).
				Interface("panic", r).
				Msg("Task callback panicked")
		}
	}()
	fn()
}

// record hands t to the Recorder without holding up the drain loop.
func (m *Manager) record(t tasks.Task) {
	if m.recorder == nil {
		return
	}
	m.records.Add(1)
	go func() {
		defer m.records.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := m.recorder.RecordOutcome(ctx, t); err != nil {
			m.log.Error().Err(err).Str("id", t.ID).Msg("Failed to record task outcome")
		}
	}()
}
