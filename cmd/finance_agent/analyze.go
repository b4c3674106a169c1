package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonathan/financial-analyzer/internal/observability"
	"github.com/jonathan/financial-analyzer/internal/pipeline"
	"github.com/jonathan/financial-analyzer/internal/storage"
	"github.com/jonathan/financial-analyzer/internal/types"
)

var (
	analyzeQuery string
	analyzeOut   string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <report.pdf>",
	Short: "Analyze a local PDF without the queue",
	Long: `Run the full stage pipeline against a local PDF in the foreground and print a
summary of each section. No database, queue or upload storage is used.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeQuery, "query", "q", types.DefaultQuery, "Question to answer about the document")
	analyzeCmd.Flags().StringVarP(&analyzeOut, "out", "o", "", "Write the full markdown report to this file")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return fmt.Errorf("%s is not a PDF", args[0])
	}
	dir, err := storage.NewLocal(filepath.Dir(path))
	if err != nil {
		return err
	}

	analyzer, closeFn, err := newAnalyzer(ctx, dir)
	if err != nil {
		return err
	}
	defer closeFn()

	errOut := cmd.ErrOrStderr()
	out, err := analyzer.Run(ctx, analyzeQuery, path, func(ev pipeline.ProgressEvent) {
		_, _ = fmt.Fprintf(errOut, "[%s] %s\n", ev.Step, ev.Message)
	})
	if err != nil {
		return err
	}

	p := observability.NewPrinter(cmd.OutOrStdout())
	p.PrintMetadata(deref(out.Metadata.EntityName), deref(out.Metadata.DocumentType), deref(out.Metadata.ReportingPeriod))
	p.PrintSection("Verification", out.Verification)
	p.PrintSection("Analysis", out.Analysis)
	p.PrintSection("Investment", out.Investment)
	p.PrintSection("Risk", out.Risk)
	p.PrintSection("Market", out.Market)

	if analyzeOut != "" {
		if err := os.WriteFile(analyzeOut, []byte(out.Full+"\n"), 0o644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", analyzeOut)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
