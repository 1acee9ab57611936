package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/relaysync/relaysync/internal/config"
	"github.com/relaysync/relaysync/internal/crypto"
	"github.com/relaysync/relaysync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Create a default config file",
	Long: `Write a starter config file with a freshly generated encryption key.

Fails if the config file already exists.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := config.WriteDefault(configPath); err != nil {
			fatalf("%v", err)
		}

		// Seed a real key so encryption is on from the first sync.
		cfg, err := config.Load(configPath)
		if err != nil {
			fatalf("%v", err)
		}
		keyHex, err := crypto.GenerateKey()
		if err != nil {
			fatalf("failed to generate key: %v", err)
		}
		cfg.EncryptionKey = keyHex
		if err := config.Write(configPath, cfg); err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Created %s\n", ui.RenderPass("✓"), configPath)
		fmt.Printf("   Encryption key generated. Copy it to your other devices:\n")
		fmt.Printf("   %s\n", ui.RenderAccent(keyHex))
	},
}

var keyCmd = &cobra.Command{
	Use:     "key",
	GroupID: "setup",
	Short:   "Manage the encryption key",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new random key (does not install it)",
	Run: func(cmd *cobra.Command, args []string) {
		keyHex, err := crypto.GenerateKey()
		if err != nil {
			fatalf("failed to generate key: %v", err)
		}
		fmt.Println(keyHex)
	},
}

var (
	rotateKeyHex        string
	rotateUsePassphrase bool
)

var keyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Install a new encryption key and re-seed the relay stream",
	Long: `Switch to a new encryption key.

The local operation log and cursor are reset, every local record is
re-queued as a create operation, and the full dataset is pushed under the
new key. Other devices must be given the new key before they can pull.

The new key comes from --key (hex), or from an interactive passphrase
prompt with --passphrase, or is generated randomly.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		logger := appLogger(cfg, "[key] ")

		newKeyHex, adapter, err := resolveNewKey()
		if err != nil {
			fatalf("%v", err)
		}
		if newKeyHex == cfg.EncryptionKey {
			fatalf("new key is the same as the current key")
		}

		ctx := context.Background()
		engine, st, err := buildEngine(ctx, cfg, logger)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		count, err := engine.RotateKey(ctx, adapter)
		if err != nil {
			fatalf("rotation failed: %v", err)
		}

		cfg.EncryptionKey = newKeyHex
		if err := config.Write(configPath, cfg); err != nil {
			fatalf("rotated in database but failed to save config: %v", err)
		}

		fmt.Printf("%s Key rotated, %d operations regenerated\n", ui.RenderPass("✓"), count)

		if err := engine.Push(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s Push failed: %v\n", ui.RenderWarn("⚠"), err)
			fmt.Fprintf(os.Stderr, "   Run 'relaysync push' to upload the re-encrypted data\n")
			return
		}
		fmt.Printf("%s Re-encrypted data pushed\n", ui.RenderPass("✓"))
		if rotateKeyHex == "" && !rotateUsePassphrase {
			fmt.Printf("   New key (copy to your other devices):\n")
			fmt.Printf("   %s\n", ui.RenderAccent(newKeyHex))
		}
	},
}

// resolveNewKey produces the replacement key from the rotate flags.
func resolveNewKey() (string, *crypto.Adapter, error) {
	if rotateKeyHex != "" {
		adapter, err := crypto.NewFromHex(rotateKeyHex)
		if err != nil {
			return "", nil, fmt.Errorf("invalid --key: %w", err)
		}
		return rotateKeyHex, adapter, nil
	}

	if rotateUsePassphrase {
		fmt.Fprint(os.Stderr, "New sync passphrase: ")
		pass, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read passphrase: %w", err)
		}
		if len(pass) == 0 {
			return "", nil, fmt.Errorf("passphrase cannot be empty")
		}

		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read confirmation: %w", err)
		}
		if string(pass) != string(confirm) {
			return "", nil, fmt.Errorf("passphrases do not match")
		}

		adapter, err := crypto.NewFromPassphrase(string(pass))
		if err != nil {
			return "", nil, err
		}
		return adapter.KeyHex(), adapter, nil
	}

	keyHex, err := crypto.GenerateKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}
	adapter, err := crypto.NewFromHex(keyHex)
	if err != nil {
		return "", nil, err
	}
	return keyHex, adapter, nil
}

func init() {
	keyRotateCmd.Flags().StringVar(&rotateKeyHex, "key", "", "New key as 64 hex characters")
	keyRotateCmd.Flags().BoolVar(&rotateUsePassphrase, "passphrase", false, "Derive the new key from an interactive passphrase")

	keyCmd.AddCommand(keyGenerateCmd)
	keyCmd.AddCommand(keyRotateCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(keyCmd)
}
