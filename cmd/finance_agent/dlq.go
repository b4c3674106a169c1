package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/financial-analyzer/internal/config"
)

var dlqLimit int64

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered tasks",
	Long: `Print the oldest dead-lettered tasks of the Redis queue. With QUEUE_BACKEND=river,
discarded jobs live in River's river_job table instead.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.Queue.Backend != config.QueueBackendRedis {
			return fmt.Errorf("dlq is only available with QUEUE_BACKEND=redis")
		}
		if dlqLimit < 1 {
			return fmt.Errorf("--limit must be at least 1")
		}

		qb, err := openQueue(nil, nil)
		if err != nil {
			return err
		}
		defer qb.close()

		entries, err := qb.broker.DeadLetters(cmd.Context(), dlqLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			_, _ = fmt.Fprintln(out, "No dead-lettered tasks")
			return nil
		}
		for _, e := range entries {
			_, _ = fmt.Fprintln(out, e)
		}
		return nil
	},
}

func init() {
	dlqCmd.Flags().Int64VarP(&dlqLimit, "limit", "n", 20, "Maximum number of entries to print")
	rootCmd.AddCommand(dlqCmd)
}
