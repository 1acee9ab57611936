package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/relaysync/relaysync/internal/ui"
)

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Push local changes to the relay",
	Long: `Send all unsynced local operations to the relay server.

Operations are encrypted (when an encryption key is configured), sent in
batches, and marked synced batch by batch so an interruption never loses
progress.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		logger := appLogger(cfg, "[push] ")

		ctx := context.Background()
		engine, st, err := buildEngine(ctx, cfg, logger)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		before, err := st.UnsyncedCount(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		start := time.Now()
		if err := engine.Push(ctx); err != nil {
			fatalf("push failed: %v", err)
		}

		fmt.Printf("%s Pushed %d operations in %v\n",
			ui.RenderPass("✓"), before, time.Since(start).Round(time.Millisecond))
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Pull remote changes from the relay",
	Long: `Fetch operations from the relay and apply them to the local database.

Conflicts resolve by newest timestamp. Operations for tables that are not
configured locally are queued and replayed once the table is added.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		logger := appLogger(cfg, "[pull] ")

		ctx := context.Background()
		engine, st, err := buildEngine(ctx, cfg, logger)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		start := time.Now()
		if err := engine.Pull(ctx); err != nil {
			fatalf("pull failed: %v", err)
		}

		cursor, _ := st.Cursor(ctx)
		fmt.Printf("%s Pull complete in %v (cursor %d)\n",
			ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond), cursor)
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Pull then push in one step",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		logger := appLogger(cfg, "[sync] ")

		ctx := context.Background()
		engine, st, err := buildEngine(ctx, cfg, logger)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		start := time.Now()
		if err := engine.Pull(ctx); err != nil {
			fatalf("pull failed: %v", err)
		}
		if err := engine.Push(ctx); err != nil {
			fatalf("push failed: %v", err)
		}

		fmt.Printf("%s Sync complete in %v\n",
			ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	Long: `Display the current sync state.

Shows:
  - Database location and size
  - Record counts per tracked table
  - Pending operations (local and relay-side)
  - Cursor position and last sync time`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		logger := appLogger(cfg, "[status] ")

		dbPath := cfg.DatabasePath()
		info, err := os.Stat(dbPath)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Database not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'relaysync sync' to create it\n\n")
			return
		}
		if err != nil {
			fatalf("failed to check database: %v", err)
		}

		ctx := context.Background()
		engine, st, err := buildEngine(ctx, cfg, logger)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		counts, err := engine.PendingCounts(ctx)
		if err != nil {
			fatalf("failed to get pending counts: %v", err)
		}
		cursor, _ := st.Cursor(ctx)
		lastSync, _ := st.LastSyncTime(ctx)
		deferred, _ := st.DeferredCount(ctx)

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Client:   %s\n", engine.ClientID())
		fmt.Printf("Database: %s (%s)\n", dbPath, sizeStr)
		fmt.Printf("Relay:    %s\n", cfg.RelayURL)
		if cfg.EncryptionKey != "" {
			fmt.Printf("Encryption: enabled\n")
		} else {
			fmt.Printf("Encryption: %s\n", ui.RenderWarn("disabled"))
		}
		fmt.Println()

		for _, spec := range cfg.Tables {
			n, err := st.CountRecords(ctx, spec.Name)
			if err != nil {
				continue
			}
			fmt.Printf("Table %-16s %d records\n", spec.Name+":", n)
		}
		fmt.Println()

		fmt.Printf("Unsynced local ops: %d\n", counts.LocalUnsynced)
		if counts.RemoteKnown {
			fmt.Printf("Pending relay ops:  %d\n", counts.RemotePending)
		} else {
			fmt.Printf("Pending relay ops:  %s\n", ui.RenderMuted("unknown"))
		}
		if deferred > 0 {
			fmt.Printf("Deferred ops:       %s\n", ui.RenderWarn(fmt.Sprintf("%d (unconfigured tables)", deferred)))
		}
		fmt.Printf("Cursor:             %d\n", cursor)
		if !lastSync.IsZero() {
			fmt.Printf("Last sync:          %s\n", lastSync.Format("2006-01-02 15:04:05"))
		} else {
			fmt.Printf("Last sync:          never\n")
		}
		fmt.Println()
	},
}

var pruneBefore string

var pruneCmd = &cobra.Command{
	Use:     "prune",
	GroupID: "advanced",
	Short:   "Delete old synced operations from the local log",
	Long: `Remove synced operations older than the given cutoff from the local
operation log. This only reclaims local space; the relay stream is not
touched.

The cutoff accepts natural language:
  relaysync prune --before "2 weeks ago"
  relaysync prune --before "last monday"`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		logger := appLogger(cfg, "[prune] ")

		w := when.New(nil)
		w.Add(en.All...)
		w.Add(common.All...)

		result, err := w.Parse(pruneBefore, time.Now())
		if err != nil || result == nil {
			fatalf("could not understand cutoff %q", pruneBefore)
		}
		cutoff := result.Time
		if cutoff.After(time.Now()) {
			fatalf("cutoff %q is in the future", pruneBefore)
		}

		ctx := context.Background()
		st, err := openStoreOnly(cfg, logger)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		n, err := st.PruneSynced(ctx, cutoff)
		if err != nil {
			fatalf("prune failed: %v", err)
		}

		fmt.Printf("%s Pruned %d operations older than %s\n",
			ui.RenderPass("✓"), n, cutoff.Format("2006-01-02 15:04"))
	},
}

func init() {
	pruneCmd.Flags().StringVar(&pruneBefore, "before", "30 days ago", "Cutoff for pruning (natural language)")

	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pruneCmd)
}
