package loadtest

import (
	"context"
	"testing"
	"time"

	"github.com/relaysync/relaysync/internal/crypto"
)

func TestWorkloadPushPull(t *testing.T) {
	w, err := NewWorkload(t.TempDir(), 20, nil)
	if err != nil {
		t.Fatalf("NewWorkload() error: %v", err)
	}
	defer w.Close()

	ctx := context.Background()

	elapsed, relaySize, err := w.MeasurePush(ctx)
	if err != nil {
		t.Fatalf("MeasurePush() error: %v", err)
	}
	if relaySize != 20 {
		t.Errorf("relay size = %d after push, want 20", relaySize)
	}
	if elapsed <= 0 {
		t.Error("push elapsed time not recorded")
	}

	stats, err := w.RunConcurrentReplicas(ctx, 3, nil)
	if err != nil {
		t.Fatalf("RunConcurrentReplicas() error: %v", err)
	}
	if stats.TotalRounds != 3 {
		t.Errorf("TotalRounds = %d, want 3", stats.TotalRounds)
	}
	if stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0", stats.Errors)
	}
}

func TestWorkloadEncrypted(t *testing.T) {
	keyHex, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	cipher, err := crypto.NewFromHex(keyHex)
	if err != nil {
		t.Fatalf("NewFromHex() error: %v", err)
	}

	w, err := NewWorkload(t.TempDir(), 10, cipher)
	if err != nil {
		t.Fatalf("NewWorkload() error: %v", err)
	}
	defer w.Close()

	ctx := context.Background()
	if _, _, err := w.MeasurePush(ctx); err != nil {
		t.Fatalf("MeasurePush() error: %v", err)
	}

	// Replicas with the same key can read the stream.
	stats, err := w.RunConcurrentReplicas(ctx, 2, cipher)
	if err != nil {
		t.Fatalf("RunConcurrentReplicas() error: %v", err)
	}
	if stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0", stats.Errors)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	stats := computeLatencyStats([]time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		40 * time.Millisecond,
	})
	if stats.Min != 10*time.Millisecond {
		t.Errorf("Min = %v, want 10ms", stats.Min)
	}
	if stats.Max != 40*time.Millisecond {
		t.Errorf("Max = %v, want 40ms", stats.Max)
	}
	if stats.Mean != 25*time.Millisecond {
		t.Errorf("Mean = %v, want 25ms", stats.Mean)
	}
	if stats.TotalRounds != 4 {
		t.Errorf("TotalRounds = %d, want 4", stats.TotalRounds)
	}
}
