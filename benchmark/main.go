// Package main provides a benchmark tool for caseq to measure per-case queue throughput.
// It spreads tasks over many cases from concurrent submitters, waits for every
// handle, and verifies that no two tasks of one case ever overlapped.
//
// Usage:
//
//	go run ./benchmark -cases 1000 -tasks 100 -delay 100us
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/caseq/pkg/queue"
	"github.com/guido-cesarano/caseq/pkg/tasks"
	"github.com/rs/zerolog"
)

func main() {
	numCases := flag.Int("cases", 1000, "Number of distinct case keys")
	tasksPerCase := flag.Int("tasks", 100, "Number of tasks per case")
	numWorkers := flag.Int("workers", 10, "Number of concurrent submitters")
	delay := flag.Duration("delay", 0, "Simulated work duration per task")
	flag.Parse()

	m := queue.NewManager(queue.WithLogger(zerolog.Nop()))
	total := *numCases * *tasksPerCase

	fmt.Printf("caseq Benchmark\n")
	fmt.Printf("===============\n")
	fmt.Printf("Cases: %d, tasks per case: %d (%d total)\n", *numCases, *tasksPerCase, total)
	fmt.Printf("Concurrent submitters: %d, work delay: %s\n\n", *numWorkers, *delay)

	caseKeys := make([]string, *numCases)
	inFlight := make([]atomic.Int32, *numCases)
	for i := range caseKeys {
		caseKeys[i] = uuid.NewString()
	}

	var overlaps atomic.Int64
	work := func(i int) queue.Work {
		return func(ctx context.Context) error {
			if inFlight[i].Add(1) > 1 {
				overlaps.Add(1)
			}
			if *delay > 0 {
				time.Sleep(*delay)
			}
			inFlight[i].Add(-1)
			return nil
		}
	}

	// Enqueue phase
	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var handles []*queue.Handle

	for w := 0; w < *numWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			var own []*queue.Handle
			for i := worker; i < *numCases; i += *numWorkers {
				for j := 0; j < *tasksPerCase; j++ {
					priority := tasks.PriorityNormal
					if j%10 == 0 {
						priority = tasks.PriorityHigh
					}
					h, err := m.Enqueue(caseKeys[i], fmt.Sprintf("task-%d", j), work(i), queue.WithPriority(priority))
					if err != nil {
						fmt.Printf("Error enqueuing: %v\n", err)
						return
					}
					own = append(own, h)
				}
			}
			mu.Lock()
			handles = append(handles, own...)
			mu.Unlock()
		}(w)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("✓ Enqueued %d tasks in %s\n", len(handles), enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(len(handles))/enqueueTime.Seconds())

	// Wait for processing
	fmt.Printf("Waiting for all tasks to be processed...\n")
	startProcess := time.Now()

	ctx := context.Background()
	var failed int
	for _, h := range handles {
		if err := h.Wait(ctx); err != nil {
			failed++
		}
	}
	processTime := time.Since(startProcess)

	fmt.Printf("\n✓ All tasks processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(len(handles))/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(len(handles))/totalTime.Seconds())

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.Close(closeCtx); err != nil {
		fmt.Printf("Close: %v\n", err)
	}

	stats := m.Stats()
	fmt.Printf("Failed: %d, intra-case overlaps: %d, queues left: %d\n", failed, overlaps.Load(), stats.Cases)
	if failed > 0 || overlaps.Load() > 0 || stats.Cases > 0 {
		os.Exit(1)
	}
}
