package daemon

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaysync/relaysync/internal/config"
	"github.com/relaysync/relaysync/internal/schema"
	"github.com/relaysync/relaysync/internal/store"
	syncengine "github.com/relaysync/relaysync/internal/sync"
)

// countingRelay records provider calls and acknowledges every push with
// the cursor the engine expects.
type countingRelay struct {
	mu     sync.Mutex
	pushes int
	pulls  int
	cursor int64
}

func (c *countingRelay) Push(ctx context.Context, ops []schema.Operation, clientID string) (*syncengine.PushResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes++
	c.cursor += int64(len(ops))
	cur := c.cursor
	return &syncengine.PushResult{Cursor: &cur}, nil
}

func (c *countingRelay) Pull(ctx context.Context, cursor int64, clientID string) (*syncengine.PullResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pulls++
	return &syncengine.PullResult{NextCursor: cursor}, nil
}

func (c *countingRelay) counts() (pushes, pulls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes, c.pulls
}

func setupEngine(t *testing.T, relay syncengine.Provider) (*syncengine.Engine, *store.Store) {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	engine, err := syncengine.New(st, relay, nil, nil, logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	spec := store.TableSpec{Name: "links", KeyFields: []string{"id"}}
	if err := engine.RegisterTable(context.Background(), spec); err != nil {
		t.Fatalf("Failed to register table: %v", err)
	}
	return engine, st
}

func putLocal(t *testing.T, st *store.Store, id string) {
	t.Helper()

	ctx := context.Background()
	err := st.WithTx(ctx, store.OriginLocal, func(tx *store.Tx) error {
		return tx.Put(ctx, "links", []string{id}, map[string]any{"url": "https://example.com/" + id})
	})
	if err != nil {
		t.Fatalf("Failed to put links/%s: %v", id, err)
	}
}

func testDaemonConfig() *Config {
	return &Config{
		SyncInterval:     time.Hour, // Keep the periodic loop out of the way
		DebounceInterval: 50 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

func TestNewRequiresEngine(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Error("New() accepted a nil engine")
	}
}

func TestStartRunsInitialCycle(t *testing.T) {
	relay := &countingRelay{}
	engine, st := setupEngine(t, relay)
	putLocal(t, st, "rec-1")

	d, err := New(engine, testDaemonConfig())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		pushes, pulls := relay.counts()
		if pushes >= 1 && pulls >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("initial cycle never ran: %d pushes, %d pulls", pushes, pulls)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}

	n, err := st.UnsyncedCount(context.Background())
	if err != nil {
		t.Fatalf("UnsyncedCount() error: %v", err)
	}
	if n != 0 {
		t.Errorf("UnsyncedCount() = %d after initial cycle, want 0", n)
	}
}

func TestNotifyTriggersDebouncedPush(t *testing.T) {
	relay := &countingRelay{}
	engine, st := setupEngine(t, relay)

	d, err := New(engine, testDaemonConfig())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// The initial cycle finds nothing to push.
	time.Sleep(100 * time.Millisecond)
	basePushes, _ := relay.counts()

	putLocal(t, st, "rec-1")
	d.Notify()

	deadline := time.After(2 * time.Second)
	for {
		pushes, _ := relay.counts()
		if pushes > basePushes {
			break
		}
		select {
		case <-deadline:
			t.Fatal("debounced push never happened")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestConfigChangeRotatesKey(t *testing.T) {
	relay := &countingRelay{}
	engine, st := setupEngine(t, relay)
	putLocal(t, st, "rec-1")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.Default()
	if err := config.Write(configPath, cfg); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	dcfg := testDaemonConfig()
	dcfg.ConfigPath = configPath
	d, err := New(engine, dcfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Stop()

	// Flush the log so rotation has something to re-seed.
	if err := engine.Push(context.Background()); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	cfg.EncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	if err := config.Write(configPath, cfg); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	basePushes, _ := relay.counts()
	d.handleConfigChange()

	if d.keyHex != cfg.EncryptionKey {
		t.Error("daemon did not adopt the new key")
	}

	// Rotation re-seeds the log and immediately pushes it back out.
	if pushes, _ := relay.counts(); pushes <= basePushes {
		t.Error("rotation did not push the re-seeded operations")
	}
	n, err := st.UnsyncedCount(context.Background())
	if err != nil {
		t.Fatalf("UnsyncedCount() error: %v", err)
	}
	if n != 0 {
		t.Errorf("UnsyncedCount() = %d after rotation push, want 0", n)
	}
}

func TestConfigChangeIgnoresUnrelatedEdits(t *testing.T) {
	relay := &countingRelay{}
	engine, _ := setupEngine(t, relay)

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.Default()
	if err := config.Write(configPath, cfg); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	dcfg := testDaemonConfig()
	dcfg.ConfigPath = configPath
	d, err := New(engine, dcfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Stop()

	cfg.BatchSize = 10
	if err := config.Write(configPath, cfg); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	basePushes, _ := relay.counts()
	d.handleConfigChange()

	if pushes, _ := relay.counts(); pushes != basePushes {
		t.Error("unrelated config edit triggered a push")
	}
}
