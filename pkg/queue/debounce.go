package queue

import (
	"sync"
	"time"
)

// DefaultDebounceDelay is used by NewDebouncer when delay is not positive.
const DefaultDebounceDelay = 500 * time.Millisecond

type debounceKey struct {
	caseKey string
	taskID  string
}

type debounceTimer struct {
	timer *time.Timer
	gen   uint64
}

// Debouncer coalesces bursts of submissions for the same (case, task id) pair:
// only the last call within the delay window reaches the Manager.
type Debouncer struct {
	m     *Manager
	delay time.Duration

	mu      sync.Mutex
	timers  map[debounceKey]debounceTimer
	gen     uint64
	stopped bool
}

// NewDebouncer wraps m with a debounce window of delay.
func NewDebouncer(m *Manager, delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	return &Debouncer{m: m, delay: delay, timers: make(map[debounceKey]debounceTimer)}
}

// Enqueue (re)arms the timer for caseKey/taskID. When it fires, the latest work is
// submitted to the Manager with opts. Arguments are validated immediately.
func (d *Debouncer) Enqueue(caseKey, taskID string, work Work, opts ...SubmitOption) error {
	if err := validateSubmission(caseKey, taskID, work); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrClosed
	}

	key := debounceKey{caseKey: caseKey, taskID: taskID}
	if prev, ok := d.timers[key]; ok {
		prev.timer.Stop()
	}
	d.gen++
	gen := d.gen
	t := time.AfterFunc(d.delay, func() { d.fire(key, gen, work, opts) })
	d.timers[key] = debounceTimer{timer: t, gen: gen}
	return nil
}

func (d *Debouncer) fire(key debounceKey, gen uint64, work Work, opts []SubmitOption) {
	d.mu.Lock()
	cur, ok := d.timers[key]
	if !ok || cur.gen != gen {
		// Re-armed or cancelled after this timer fired.
		d.mu.Unlock()
		return
	}
	delete(d.timers, key)
	d.mu.Unlock()

	if _, err := d.m.Enqueue(key.caseKey, key.taskID, work, opts...); err != nil {
		d.m.log.Error().
			Err(err).
			Str("case_key", key.caseKey).
			Str("task_id", key.taskID).
			Msg("Failed to enqueue debounced task")
	}
}

// Cancel stops a waiting timer and cancels a matching queued task. It reports
// whether anything was cancelled.
func (d *Debouncer) Cancel(caseKey, taskID string) bool {
	key := debounceKey{caseKey: caseKey, taskID: taskID}

	d.mu.Lock()
	cur, ok := d.timers[key]
	if ok {
		cur.timer.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()

	return d.m.CancelPending(caseKey, taskID) || ok
}

// Waiting returns the number of armed timers.
func (d *Debouncer) Waiting() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop disarms all timers; later Enqueue calls return ErrClosed.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, t := range d.timers {
		t.timer.Stop()
		delete(d.timers, key)
	}
}
