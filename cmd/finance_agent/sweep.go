package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sweepOlderThan time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete abandoned uploads",
	Long: `Delete uploads older than --older-than. Uploads normally disappear when their job
finishes; this reclaims files left by crashed workers or failed enqueues.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		olderThan := cfg.Storage.SweepAge
		if cmd.Flags().Changed("older-than") {
			olderThan = sweepOlderThan
		}
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		uploads, err := openUploads(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
		n, err := uploads.Sweep(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d upload(s) older than %s\n", n, olderThan)
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 24*time.Hour, "Minimum age of uploads to delete (defaults to STORAGE_SWEEP_AGE)")
	rootCmd.AddCommand(sweepCmd)
}
