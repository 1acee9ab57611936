package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaysync/relaysync/internal/daemon"
	"github.com/relaysync/relaysync/internal/dashboard"
	"github.com/relaysync/relaysync/internal/ui"
)

var daemonDashboardPort int

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon (foreground)",
	Long: `Run continuous background sync in foreground mode.

The daemon will:
  1. Pull and push on a fixed interval
  2. Push debounced batches shortly after local changes
  3. Watch the config file and rotate encryption when the key changes
  4. Optionally serve a WebSocket dashboard of sync events

For production use, run under a process manager.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		logger := appLogger(cfg, "[daemon] ")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		engine, st, err := buildEngine(ctx, cfg, logger)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		if err := engine.Start(ctx); err != nil {
			fatalf("failed to start engine: %v", err)
		}

		dashPort := cfg.DashboardPort
		if daemonDashboardPort > 0 {
			dashPort = daemonDashboardPort
		}
		if dashPort > 0 {
			server := dashboard.NewServer(&dashboard.Config{Port: dashPort, Logger: logger})
			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer func() { _ = server.Stop() }()

			handler := dashboard.NewHandler(server, engine, logger)
			go handler.Run(ctx)

			fmt.Printf("%s Dashboard: ws://localhost:%d/ws\n", ui.RenderAccent("📡"), dashPort)
		}

		d, err := daemon.New(engine, &daemon.Config{
			SyncInterval:     cfg.SyncInterval,
			DebounceInterval: cfg.DebounceInterval,
			ConfigPath:       configPath,
			Logger:           logger,
		})
		if err != nil {
			fatalf("failed to create daemon: %v", err)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Database: %s\n", cfg.DatabasePath())
		fmt.Printf("   Relay:    %s\n", cfg.RelayURL)
		fmt.Printf("   Interval: %v\n", cfg.SyncInterval)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil {
			fatalf("daemon stopped with error: %v", err)
		}
	},
}

func init() {
	daemonCmd.Flags().IntVar(&daemonDashboardPort, "dashboard-port", 0, "Serve the WebSocket dashboard on this port (0 disables)")

	rootCmd.AddCommand(daemonCmd)
}
