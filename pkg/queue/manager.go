// Package queue provides an in-process, per-case serial task queue.
//
// Tasks submitted under the same case key run strictly one at a time, highest
// priority first and in submission order among equal priorities. Tasks of different
// cases run concurrently and independently. Features include:
//   - Replace-in-place de-duplication of queued tasks sharing a task id
//   - Failure isolation: a failed task never stops the rest of its case queue
//   - Cancellation of tasks that have not started yet
//   - Lazy creation and idle eviction of case queues
//
// The Manager type is the main entry point.
package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/caseq/pkg/logger"
	"github.com/guido-cesarano/caseq/pkg/tasks"
	"github.com/rs/zerolog"
)

// Work is the asynchronous operation a task performs. The queue does not make it
// idempotent; callers must (e.g. by writing with upsert semantics).
type Work func(ctx context.Context) error

// Recorder receives every settled task, e.g. to persist an outcome history.
type Recorder interface {
	RecordOutcome(ctx context.Context, task tasks.Task) error
}

// recordTimeout bounds a single Recorder call.
const recordTimeout = 5 * time.Second

// Manager owns the registry of case queues and is its only mutator.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	queues  map[string]*caseQueue
	seq     uint64
	pending int
	running int
	closed  bool

	drains  sync.WaitGroup
	records sync.WaitGroup

	baseCtx  context.Context
	log      zerolog.Logger
	metrics  *Metrics
	recorder Recorder
	newID    func() string
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for task lifecycle events.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithRecorder sets a Recorder notified of every settled task.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithBaseContext sets the context handed to work submitted without WithContext.
func WithBaseContext(ctx context.Context) Option {
	return func(m *Manager) { m.baseCtx = ctx }
}

// NewManager creates an empty Manager.
//
// Example:
//
//	m := queue.NewManager(queue.WithLogger(logger.Component("uploads")))
//	h, err := m.Enqueue("42", "consent-upload-42-1", uploadConsent, queue.WithPriority(tasks.PriorityHigh))
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		queues:  make(map[string]*caseQueue),
		baseCtx: context.Background(),
		log:     logger.Component("queue"),
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type submitOptions struct {
	priority  tasks.Priority
	ctx       context.Context
	onSuccess func(tasks.Task)
	onError   func(tasks.Task, error)
	onCancel  func(tasks.Task, error)
}

// SubmitOption configures a single Enqueue call.
type SubmitOption func(*submitOptions)

// WithPriority sets the task priority. The default is tasks.PriorityNormal.
func WithPriority(p tasks.Priority) SubmitOption {
	return func(o *submitOptions) { o.priority = p }
}

// WithContext attaches an abort signal. A task whose ctx is done before it starts is
// cancelled instead of run. The same ctx is passed to work; honouring it while
// running is up to the work itself.
func WithContext(ctx context.Context) SubmitOption {
	return func(o *submitOptions) { o.ctx = ctx }
}

// OnSuccess registers a callback invoked after the task's work returned nil.
func OnSuccess(fn func(tasks.Task)) SubmitOption {
	return func(o *submitOptions) { o.onSuccess = fn }
}

// OnError registers a callback invoked after the task's work failed.
func OnError(fn func(tasks.Task, error)) SubmitOption {
	return func(o *submitOptions) { o.onError = fn }
}

// OnCancel registers a callback invoked when the task is cancelled or superseded
// before it started.
func OnCancel(fn func(tasks.Task, error)) SubmitOption {
	return func(o *submitOptions) { o.onCancel = fn }
}

// Enqueue submits work for caseKey and returns immediately.
//
// If a task with the same taskID is still queued for caseKey it is replaced: the new
// task takes over its position (and the higher of the two priorities), while the old
// handle resolves with ErrSuperseded. A task with the same taskID that is already
// running is never interrupted; the new submission queues behind it.
//
// Invalid arguments return a *SubmissionError and nothing is queued.
func (m *Manager) Enqueue(caseKey, taskID string, work Work, opts ...SubmitOption) (*Handle, error) {
	if err := validateSubmission(caseKey, taskID, work); err != nil {
		return nil, err
	}
	so := submitOptions{priority: tasks.PriorityNormal}
	for _, opt := range opts {
		opt(&so)
	}
	if so.ctx == nil {
		so.ctx = m.baseCtx
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	q, ok := m.queues[caseKey]
	if !ok {
		q = newCaseQueue(caseKey)
		m.queues[caseKey] = q
	}

	m.seq++
	e := &entry{
		task: tasks.Task{
			ID:          m.newID(),
			CaseKey:     caseKey,
			TaskID:      taskID,
			Priority:    so.priority,
			Seq:         m.seq,
			State:       tasks.StateQueued,
			SubmittedAt: m.now(),
		},
		work: work,
		ctx:  so.ctx,
		opts: so,
	}

	var superseded *entry
	if i := q.indexOf(taskID); i >= 0 {
		superseded = q.removeAt(i)
		m.pending--
		e.task.Seq = superseded.task.Seq
		e.task.Priority = max(e.task.Priority, superseded.task.Priority)
	}
	e.handle = newHandle(e.task)
	q.insert(e)
	m.pending++

	start := !q.draining
	if start {
		q.draining = true
		m.drains.Add(1)
	}
	snapshot := e.task
	stats := m.statsLocked()
	m.mu.Unlock()

	m.metrics.SetDepth(stats)
	if superseded != nil {
		m.settleCancelled(superseded, ErrSuperseded)
	}

	m.log.Debug().
		Str("case_key", caseKey).
		Str("task_id", taskID).
		Str("id", snapshot.ID).
		Str("priority", snapshot.Priority.String()).
		Bool("replaced", superseded != nil).
		Msg("Task enqueued")

	if start {
		go m.drain(q)
	}
	return e.handle, nil
}

// CancelPending removes a queued task. It returns false, and does nothing, if the
// task is running or unknown: running work is never interrupted.
func (m *Manager) CancelPending(caseKey, taskID string) bool {
	m.mu.Lock()
	q, ok := m.queues[caseKey]
	if !ok {
		m.mu.Unlock()
		return false
	}
	i := q.indexOf(taskID)
	if i < 0 {
		m.mu.Unlock()
		return false
	}
	e := q.removeAt(i)
	m.pending--
	stats := m.statsLocked()
	m.mu.Unlock()

	m.metrics.SetDepth(stats)
	m.settleCancelled(e, ErrCancelled)
	return true
}

// CancelCase cancels every queued task of caseKey and returns how many were removed.
// A running task is left to finish.
func (m *Manager) CancelCase(caseKey string) int {
	m.mu.Lock()
	var removed []*entry
	if q, ok := m.queues[caseKey]; ok {
		removed = q.drainPending()
		m.pending -= len(removed)
	}
	stats := m.statsLocked()
	m.mu.Unlock()

	m.metrics.SetDepth(stats)
	for _, e := range removed {
		m.settleCancelled(e, ErrCancelled)
	}
	return len(removed)
}

// CancelAll cancels every queued task of every case and returns how many were removed.
func (m *Manager) CancelAll() int {
	return m.cancelAll(ErrCancelled)
}

func (m *Manager) cancelAll(reason error) int {
	m.mu.Lock()
	var removed []*entry
	for _, key := range m.sortedKeysLocked() {
		removed = append(removed, m.queues[key].drainPending()...)
	}
	m.pending -= len(removed)
	stats := m.statsLocked()
	m.mu.Unlock()

	m.metrics.SetDepth(stats)
	for _, e := range removed {
		m.settleCancelled(e, reason)
	}
	return len(removed)
}

// Snapshot is a read-only view of one case queue.
type Snapshot struct {
	CaseKey string `json:"case_key"`
	// Exists is false when the registry holds no queue for the case.
	Exists   bool         `json:"exists"`
	Draining bool         `json:"draining"`
	Current  *tasks.Task  `json:"current,omitempty"`
	Pending  []tasks.Task `json:"pending"`
	// Length is the number of queued (not running) tasks.
	Length int `json:"length"`
}

// Inspect returns a snapshot of caseKey's queue without mutating it.
func (m *Manager) Inspect(caseKey string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{CaseKey: caseKey, Pending: []tasks.Task{}}
	q, ok := m.queues[caseKey]
	if !ok {
		return snap
	}
	snap.Exists = true
	snap.Draining = q.draining
	if q.current != nil {
		cur := q.current.task
		snap.Current = &cur
	}
	for _, e := range q.pending {
		snap.Pending = append(snap.Pending, e.task)
	}
	snap.Length = len(q.pending)
	return snap
}

// Stats summarises the whole registry.
type Stats struct {
	Cases   int `json:"cases"`
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// Stats returns registry-wide counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() Stats {
	return Stats{Cases: len(m.queues), Pending: m.pending, Running: m.running}
}

// Cases returns the keys of all case queues currently held, sorted.
func (m *Manager) Cases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedKeysLocked()
}

func (m *Manager) sortedKeysLocked() []string {
	keys := make([]string, 0, len(m.queues))
	for k := range m.queues {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Close stops accepting submissions, cancels every queued task and waits for the
// running ones to finish. It returns ctx.Err() if ctx is done first; running work
// keeps going in that case. Close is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	already := m.closed
	m.closed = true
	m.mu.Unlock()

	if !already {
		if n := m.cancelAll(fmt.Errorf("%w: %w", ErrCancelled, ErrClosed)); n > 0 {
			m.log.Info().Int("cancelled", n).Msg("Cancelled queued tasks on close")
		}
	}

	done := make(chan struct{})
	go func() {
		m.drains.Wait()
		m.records.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
