// Command chatctl inspects and maintains the chat record store from a terminal.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"chat-gateway/internal/app"
	"chat-gateway/internal/config"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Inspect and maintain stored chat records",
	Long: `chatctl reads the same environment as the gateway (BLOB_BACKEND,
BLOB_BUCKET, STORAGE_TIMEZONE, ...) and operates on its chat records
directly: list recent chats, print a transcript, browse one day, or delete.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug,info,warn,error); overrides LOG_LEVEL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp loads configuration, builds the components and runs fn with them.
func withApp(ctx context.Context, stderr io.Writer, fn func(*app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}
