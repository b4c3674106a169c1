package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Apply the embedded goose migrations and, when QUEUE_BACKEND=river, River's schema.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		database, err := connectDB(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := migrateAll(ctx, database); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
