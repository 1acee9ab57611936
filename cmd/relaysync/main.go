// Command relaysync is the CLI for the relaysync engine: local-first
// storage with encrypted sync through an untrusted relay.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaysync/relaysync/internal/config"
	"github.com/relaysync/relaysync/internal/crypto"
	"github.com/relaysync/relaysync/internal/logging"
	"github.com/relaysync/relaysync/internal/relay"
	"github.com/relaysync/relaysync/internal/store"
	syncengine "github.com/relaysync/relaysync/internal/sync"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "relaysync",
	Short: "Local-first sync through an untrusted relay",
	Long: `relaysync keeps a local SQLite database as the source of truth and
replicates changes between devices through a relay server that never
sees plaintext. All data is usable offline; sync happens opportunistically.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "Path to config file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
	}
	return cfg, nil
}

// appLogger builds a prefixed logger, adding rotating file output when
// configured.
func appLogger(cfg *config.Config, prefix string) *log.Logger {
	return logging.New(prefix, logging.Options{
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
}

// buildCipher returns the configured cipher, or nil when encryption is
// disabled.
func buildCipher(cfg *config.Config) (syncengine.Cipher, error) {
	if cfg.EncryptionKey == "" {
		return nil, nil
	}
	adapter, err := crypto.NewFromHex(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption_key: %w", err)
	}
	return adapter, nil
}

// buildEngine opens the store and wires an engine against the configured
// relay, registering every tracked table. The caller owns the returned
// store and must Close it.
func buildEngine(ctx context.Context, cfg *config.Config, logger *log.Logger) (*syncengine.Engine, *store.Store, error) {
	st, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	cipher, err := buildCipher(cfg)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	engineCfg := &syncengine.Config{
		BatchSize:      cfg.BatchSize,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		MaxPullPages:   cfg.MaxPullPages,
	}

	engine, err := syncengine.New(st, relay.NewClient(cfg.RelayURL), cipher, engineCfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	for _, spec := range cfg.Tables {
		if err := engine.RegisterTable(ctx, spec); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("failed to register table %s: %w", spec.Name, err)
		}
	}

	return engine, st, nil
}

// openStoreOnly opens the database without wiring a relay, for commands
// that work purely locally.
func openStoreOnly(cfg *config.Config, logger *log.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return st, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
