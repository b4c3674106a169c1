package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/financial-analyzer/internal/export"
	"github.com/jonathan/financial-analyzer/internal/observability"
)

var (
	exportOut   string
	exportSince time.Duration
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export jobs and results to a spreadsheet",
	Long:  `Write every job created within --since, and its result, to an XLSX workbook with Jobs and Results sheets.`,
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "jobs.xlsx", "Output file")
	exportCmd.Flags().DurationVar(&exportSince, "since", 30*24*time.Hour, "Only export jobs created within this window")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, _ []string) error {
	if exportSince <= 0 {
		return fmt.Errorf("--since must be positive")
	}
	ctx := cmd.Context()

	database, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	f, err := os.Create(exportOut)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", exportOut, err)
	}

	summary, err := export.New(database, logger).Write(ctx, f, time.Now().Add(-exportSince))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(exportOut)
		return err
	}

	observability.NewPrinter(cmd.OutOrStdout()).PrintExportSummary(exportOut, summary.Jobs, summary.Results)
	return nil
}
