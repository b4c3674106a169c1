// Package main provides the entry point for the financial document analyzer:
// the HTTP API, the background worker and the operational commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/config"
	"github.com/jonathan/financial-analyzer/internal/observability"
)

var (
	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "finance_agent",
	Short: "Financial document analysis service",
	Long: `Financial document analysis service. Uploaded PDF reports are verified, analyzed,
turned into investment insights, assessed for risk and placed in market context by a
sequence of LLM stages running on background workers.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		_ = logger.Sync()
	},
}

// setup loads configuration and installs the process logger.
func setup(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load()
	if err != nil {
		return err
	}
	l, err := observability.NewLogger(loaded.Log.Level, loaded.Log.Format)
	if err != nil {
		return err
	}
	cfg = loaded
	logger = l
	zap.ReplaceGlobals(l)
	return nil
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
