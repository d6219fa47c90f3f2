package integration_tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/caseq/pkg/queue"
	"github.com/guido-cesarano/caseq/pkg/store"
	"github.com/guido-cesarano/caseq/pkg/tasks"
	"github.com/guido-cesarano/caseq/pkg/upload"
	"github.com/rs/zerolog"
)

// setupIntegrationStore connects to the local Redis instance.
// Requires a Redis (or go run ./cmd/redis_server) on localhost:6379.
func setupIntegrationStore(t *testing.T) *store.Store {
	st := store.NewStore("localhost:6379", store.WithResultTTL(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		st.Close()
		t.Skipf("Skipping integration test: Redis not reachable at localhost:6379 (%v)", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestIntegrationFlow(t *testing.T) {
	st := setupIntegrationStore(t)
	m := queue.NewManager(queue.WithLogger(zerolog.Nop()), queue.WithRecorder(st))
	ctx := context.Background()

	files, err := upload.NewDiskStore(t.TempDir(), "http://localhost:8081/files")
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	svc := upload.NewService(m, files, st, zerolog.Nop())

	// A fresh case key keeps runs independent of leftover data.
	caseKey := "it-" + uuid.NewString()

	var handles []*queue.Handle
	for _, a := range []upload.Angle{upload.AngleFront, upload.AngleLeft, upload.AngleRight} {
		h, err := svc.SubmitPhoto(ctx, caseKey, 1, a, upload.File{
			Name: fmt.Sprintf("%s.jpg", a),
			Data: []byte("jpeg"),
		})
		if err != nil {
			t.Fatalf("SubmitPhoto failed: %v", err)
		}
		handles = append(handles, h)
	}
	consent, err := svc.SubmitConsent(ctx, caseKey, 1, upload.File{Name: "consent.pdf", Data: []byte("pdf")})
	if err != nil {
		t.Fatalf("SubmitConsent failed: %v", err)
	}
	handles = append(handles, consent)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, h := range handles {
		if err := h.Wait(waitCtx); err != nil {
			t.Fatalf("Upload %s failed: %v", h.Task().TaskID, err)
		}
	}

	// Close waits for the recorder writes.
	if err := m.Close(waitCtx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	history, err := st.History(ctx, caseKey, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != len(handles) {
		t.Fatalf("Expected %d history entries, got %d", len(handles), len(history))
	}

	result, err := st.GetResult(ctx, consent.ID())
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if result.State != tasks.StateSucceeded || result.Priority != tasks.PriorityHigh {
		t.Errorf("Unexpected consent result %+v", result)
	}

	photos, err := st.PhotoMetadata(ctx, caseKey, 1)
	if err != nil {
		t.Fatalf("PhotoMetadata failed: %v", err)
	}
	if len(photos) != 3 {
		t.Errorf("Expected 3 photo urls, got %v", photos)
	}
}
