package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guido-cesarano/caseq/pkg/tasks"
)

func TestDebouncerCoalescesBursts(t *testing.T) {
	m := newTestManager(t)
	d := NewDebouncer(m, 20*time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	var last atomic.Int32
	done := make(chan tasks.Task, 1)
	for i := 1; i <= 3; i++ {
		i := i
		err := d.Enqueue("case-1", "photo-upload-1-front", func(ctx context.Context) error {
			calls.Add(1)
			last.Store(int32(i))
			return nil
		}, OnSuccess(func(task tasks.Task) { done <- task }))
		if err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if n := d.Waiting(); n != 1 {
		t.Errorf("Expected 1 armed timer, got %d", n)
	}

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("Debounced task never ran")
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 || last.Load() != 3 {
		t.Errorf("Expected only the last work to run once, got calls=%d last=%d", calls.Load(), last.Load())
	}
	if n := d.Waiting(); n != 0 {
		t.Errorf("Expected no armed timers, got %d", n)
	}
}

func TestDebouncerCancel(t *testing.T) {
	m := newTestManager(t)
	d := NewDebouncer(m, 30*time.Millisecond)
	defer d.Stop()

	var ran atomic.Bool
	if err := d.Enqueue("case-1", "consent", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !d.Cancel("case-1", "consent") {
		t.Error("Expected Cancel to disarm the timer")
	}
	if d.Cancel("case-1", "consent") {
		t.Error("Expected second Cancel to be a no-op")
	}

	time.Sleep(80 * time.Millisecond)
	if ran.Load() {
		t.Error("Cancelled debounced work must not run")
	}
}

func TestDebouncerValidationAndStop(t *testing.T) {
	m := newTestManager(t)
	d := NewDebouncer(m, 0)
	if d.delay != DefaultDebounceDelay {
		t.Errorf("Expected default delay, got %s", d.delay)
	}

	var subErr *SubmissionError
	if err := d.Enqueue("", "x", func(ctx context.Context) error { return nil }); !errors.As(err, &subErr) {
		t.Errorf("Expected *SubmissionError, got %v", err)
	}

	if err := d.Enqueue("case-1", "x", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	d.Stop()
	if n := d.Waiting(); n != 0 {
		t.Errorf("Expected Stop to disarm timers, got %d", n)
	}
	if err := d.Enqueue("case-1", "x", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Stop, got %v", err)
	}
}
