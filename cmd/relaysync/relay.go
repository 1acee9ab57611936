package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaysync/relaysync/internal/relay"
	"github.com/relaysync/relaysync/internal/ui"
)

var relayPort int

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "advanced",
	Short:   "Run a relay server",
	Long: `Run a relay server that stores and forwards encrypted operations.

The relay holds an append-only operation stream and serves it to clients
by cursor. It never needs the encryption key; with encryption enabled it
only ever sees ciphertext.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		logger := appLogger(cfg, "[relay] ")

		port := cfg.RelayPort
		if relayPort > 0 {
			port = relayPort
		}

		server := relay.NewServer(&relay.ServerConfig{Port: port, Logger: logger})
		if err := server.Start(); err != nil {
			fatalf("failed to start relay: %v", err)
		}

		fmt.Printf("%s Relay server listening on %s\n", ui.RenderPass("✓"), server.Addr())
		fmt.Printf("   Push:   POST /v1/ops\n")
		fmt.Printf("   Pull:   GET  /v1/ops?cursor=N\n")
		fmt.Printf("   Health: GET  /health\n")
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down relay server...")
		if err := server.Stop(); err != nil {
			fatalf("error during shutdown: %v", err)
		}
		fmt.Println("Relay server stopped")
	},
}

func init() {
	relayCmd.Flags().IntVarP(&relayPort, "port", "p", 0, "Port to listen on (default from config)")

	rootCmd.AddCommand(relayCmd)
}
