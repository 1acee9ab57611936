// Package loadtest provides load testing utilities for the sync pipeline.
//
// It seeds a store with generated records, pushes them through a relay,
// pulls them into fresh replicas, and reports latency statistics for
// each phase.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/relaysync/relaysync/internal/relay"
	"github.com/relaysync/relaysync/internal/store"
	syncengine "github.com/relaysync/relaysync/internal/sync"
)

// TestSpec is the table used by generated workloads.
var TestSpec = store.TableSpec{
	Name:      "loadtest",
	KeyFields: []string{"id"},
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalRounds  int
	Errors       int
	Durations    []time.Duration
}

// Workload is a seeded writer plus the relay it syncs against.
type Workload struct {
	Store   *store.Store
	Engine  *syncengine.Engine
	Relay   *relay.Memory
	NumRecs int

	dir    string
	logger *log.Logger
}

// NewWorkload creates a store under dir seeded with numRecs records and
// an engine wired to an in-memory relay. cipher may be nil.
func NewWorkload(dir string, numRecs int, cipher syncengine.Cipher) (*Workload, error) {
	logger := log.New(io.Discard, "", 0)

	st, err := store.Open(filepath.Join(dir, "writer.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	mem := relay.NewMemory()
	engine, err := syncengine.New(st, mem, cipher, nil, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if err := engine.RegisterTable(context.Background(), TestSpec); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to register table: %w", err)
	}

	w := &Workload{
		Store:   st,
		Engine:  engine,
		Relay:   mem,
		NumRecs: numRecs,
		dir:     dir,
		logger:  logger,
	}
	if err := w.seed(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}
	return w, nil
}

// Close releases the workload's store.
func (w *Workload) Close() error {
	return w.Store.Close()
}

// seed writes NumRecs records through the tracked write path so each one
// appends an operation.
func (w *Workload) seed(ctx context.Context) error {
	rng := rand.New(rand.NewSource(42))
	kinds := []string{"note", "bookmark", "task"}

	return w.Store.WithTx(ctx, store.OriginLocal, func(tx *store.Tx) error {
		for i := 0; i < w.NumRecs; i++ {
			id := fmt.Sprintf("rec-%05d", i)
			payload := map[string]any{
				"id":    id,
				"kind":  kinds[i%len(kinds)],
				"title": fmt.Sprintf("Record %d", i),
				"score": rng.Intn(1000),
			}
			if err := tx.Put(ctx, TestSpec.Name, []string{id}, payload); err != nil {
				return fmt.Errorf("failed to seed record %s: %w", id, err)
			}
		}
		return nil
	})
}

// MeasurePush pushes the seeded operations and returns the elapsed time
// plus the relay's resulting size.
func (w *Workload) MeasurePush(ctx context.Context) (time.Duration, int, error) {
	start := time.Now()
	if err := w.Engine.Push(ctx); err != nil {
		return 0, 0, fmt.Errorf("push failed: %w", err)
	}
	return time.Since(start), int(w.Relay.Size()), nil
}

// RunConcurrentReplicas creates numReplicas fresh stores and pulls the
// full relay stream into each concurrently, recording per-replica pull
// latency.
func (w *Workload) RunConcurrentReplicas(ctx context.Context, numReplicas int, cipher syncengine.Cipher) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan time.Duration, numReplicas)
	errorsChan := make(chan error, numReplicas)

	for i := 0; i < numReplicas; i++ {
		wg.Add(1)
		go func(replicaID int) {
			defer wg.Done()

			dir := filepath.Join(w.dir, fmt.Sprintf("replica-%03d", replicaID))
			st, err := store.Open(filepath.Join(dir, "replica.db"), w.logger)
			if err != nil {
				errorsChan <- fmt.Errorf("replica %d open failed: %w", replicaID, err)
				return
			}
			defer func() { _ = st.Close() }()

			engine, err := syncengine.New(st, w.Relay, cipher, nil, w.logger)
			if err != nil {
				errorsChan <- fmt.Errorf("replica %d engine failed: %w", replicaID, err)
				return
			}
			if err := engine.RegisterTable(ctx, TestSpec); err != nil {
				errorsChan <- fmt.Errorf("replica %d register failed: %w", replicaID, err)
				return
			}

			start := time.Now()
			if err := engine.Pull(ctx); err != nil {
				errorsChan <- fmt.Errorf("replica %d pull failed: %w", replicaID, err)
				return
			}
			elapsed := time.Since(start)

			count, err := st.CountRecords(ctx, TestSpec.Name)
			if err != nil {
				errorsChan <- fmt.Errorf("replica %d count failed: %w", replicaID, err)
				return
			}
			if count != w.NumRecs {
				errorsChan <- fmt.Errorf("replica %d applied %d records, want %d", replicaID, count, w.NumRecs)
				return
			}

			resultsChan <- elapsed
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errorCount int
	for err := range errorsChan {
		if err != nil {
			errorCount++
			fmt.Printf("Error: %v\n", err)
		}
	}

	var durations []time.Duration
	for d := range resultsChan {
		durations = append(durations, d)
	}

	if len(durations) == 0 {
		return nil, fmt.Errorf("no replicas completed successfully")
	}

	stats := computeLatencyStats(durations)
	stats.Errors = errorCount
	return stats, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	mean := sum / time.Duration(len(durations))

	p50 := sorted[len(sorted)*50/100]
	p95 := sorted[min(len(sorted)*95/100, len(sorted)-1)]
	p99 := sorted[min(len(sorted)*99/100, len(sorted)-1)]

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        mean,
		P50:         p50,
		P95:         p95,
		P99:         p99,
		TotalRounds: len(durations),
		Durations:   sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Latency Statistics:\n")
	fmt.Printf("  Total Rounds: %d\n", s.TotalRounds)
	fmt.Printf("  Errors:       %d\n", s.Errors)
	fmt.Printf("  Min:          %v\n", s.Min)
	fmt.Printf("  P50 (Median): %v\n", s.P50)
	fmt.Printf("  Mean:         %v\n", s.Mean)
	fmt.Printf("  P95:          %v\n", s.P95)
	fmt.Printf("  P99:          %v\n", s.P99)
	fmt.Printf("  Max:          %v\n", s.Max)
}
