// Package daemon runs background synchronization: periodic pull/push
// cycles, debounced pushes after local writes, and encryption-key
// rotation triggered by config file changes.
//
// The daemon never interleaves with a manual sync; it calls the engine's
// Push and Pull, which skip silently when the sync lock is held, and
// relies on the next tick to catch up.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relaysync/relaysync/internal/config"
	"github.com/relaysync/relaysync/internal/crypto"
	syncengine "github.com/relaysync/relaysync/internal/sync"
)

// Config holds daemon configuration.
type Config struct {
	// SyncInterval is how often to run a full pull+push cycle.
	SyncInterval time.Duration

	// DebounceInterval is how long to wait after a change notification
	// before pushing, batching rapid updates together.
	DebounceInterval time.Duration

	// ConfigPath, when set, is watched for encryption-key changes.
	ConfigPath string

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     30 * time.Second,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates background sync for one engine.
type Daemon struct {
	engine *syncengine.Engine
	cfg    *Config

	watcher *fsnotify.Watcher

	notifyMu   sync.Mutex
	notifiedAt time.Time
	pending    bool

	keyHex string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon for the given engine.
func New(engine *syncengine.Engine, cfg *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		engine: engine,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.ConfigPath != "" {
		cur, err := config.Load(cfg.ConfigPath)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load config for key watching: %w", err)
		}
		d.keyHex = cur.EncryptionKey

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		// Watch the directory: editors replace files, which drops a
		// watch on the file itself.
		if err := watcher.Add(filepath.Dir(cfg.ConfigPath)); err != nil {
			_ = watcher.Close()
			cancel()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		d.watcher = watcher
	}

	return d, nil
}

// Start begins background sync. It runs an initial pull+push, then
// blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.cfg.Logger.Println("Starting sync daemon")

	d.runCycle(ctx)

	d.wg.Add(2)
	go d.syncLoop()
	go d.debounceLoop()

	if d.watcher != nil {
		d.wg.Add(1)
		go d.watchConfig()
	}

	select {
	case <-ctx.Done():
		d.cfg.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for its goroutines.
func (d *Daemon) Stop() error {
	d.cfg.Logger.Println("Stopping sync daemon")
	d.cancel()
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.cfg.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	d.wg.Wait()
	d.cfg.Logger.Println("Sync daemon stopped")
	return nil
}

// Notify schedules a debounced push. Hosts call this after local writes
// so changes reach the relay promptly instead of waiting for the next
// periodic cycle.
func (d *Daemon) Notify() {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	d.notifiedAt = time.Now()
	d.pending = true
}

func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runCycle(d.ctx)
		}
	}
}

func (d *Daemon) debounceLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.notifyMu.Lock()
			due := d.pending && time.Since(d.notifiedAt) >= d.cfg.DebounceInterval
			if due {
				d.pending = false
			}
			d.notifyMu.Unlock()

			if due {
				if err := d.engine.Push(d.ctx); err != nil {
					d.cfg.Logger.Printf("Warning: debounced push failed: %v", err)
				}
			}
		}
	}
}

// runCycle pulls remote changes first, then pushes local ones.
func (d *Daemon) runCycle(ctx context.Context) {
	if err := d.engine.Pull(ctx); err != nil {
		d.cfg.Logger.Printf("Warning: pull failed: %v", err)
	}
	if err := d.engine.Push(ctx); err != nil {
		d.cfg.Logger.Printf("Warning: push failed: %v", err)
	}
}

// watchConfig reacts to config file writes: when the encryption key
// changes, the operation log is re-seeded under the new key and pushed.
func (d *Daemon) watchConfig() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.cfg.ConfigPath) {
				continue
			}
			d.handleConfigChange()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.cfg.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) handleConfigChange() {
	cfg, err := config.Load(d.cfg.ConfigPath)
	if err != nil {
		d.cfg.Logger.Printf("Warning: failed to reload config: %v", err)
		return
	}
	if cfg.EncryptionKey == d.keyHex {
		return
	}

	d.cfg.Logger.Println("Encryption key changed, rotating")

	var cipher syncengine.Cipher
	if cfg.EncryptionKey != "" {
		adapter, err := crypto.NewFromHex(cfg.EncryptionKey)
		if err != nil {
			d.cfg.Logger.Printf("Warning: new encryption key is invalid, keeping old key: %v", err)
			return
		}
		cipher = adapter
	}

	count, err := d.engine.RotateKey(d.ctx, cipher)
	if err != nil {
		d.cfg.Logger.Printf("Warning: key rotation failed: %v", err)
		return
	}
	d.keyHex = cfg.EncryptionKey
	d.cfg.Logger.Printf("Key rotated, %d operations regenerated", count)

	if err := d.engine.Push(d.ctx); err != nil {
		d.cfg.Logger.Printf("Warning: post-rotation push failed: %v", err)
	}
}
