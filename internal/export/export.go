// Package export writes jobs and their results to an XLSX workbook for
// offline review.
package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/db"
	"github.com/jonathan/financial-analyzer/internal/observability"
)

// Sheet names
const (
	JobsSheet    = "Jobs"
	ResultsSheet = "Results"
)

// maxCellChars stays under the XLSX limit of 32767 characters per cell.
const maxCellChars = 32000

var jobHeaders = []string{
	"Job ID", "User ID", "Status", "Query", "Filename", "Task Ref",
	"Created At", "Started At", "Completed At", "Duration (s)", "Retries", "Error",
}

var resultHeaders = []string{
	"Job ID", "Entity", "Document Type", "Reporting Period", "Created At",
	"Verification", "Analysis", "Investment", "Risk", "Market",
}

// Source lists jobs created at or after since.
type Source interface {
	ListJobsWithResults(ctx context.Context, since time.Time) ([]db.JobExport, error)
}

// Summary counts what was written.
type Summary struct {
	Jobs    int
	Results int
}

// Exporter builds workbooks from a Source.
type Exporter struct {
	source Source
	logger *zap.Logger
}

// New creates an Exporter.
func New(source Source, logger *zap.Logger) *Exporter {
	return &Exporter{source: source, logger: logger.Named("export")}
}

// Write exports every job created at or after since to w.
func (e *Exporter) Write(ctx context.Context, w io.Writer, since time.Time) (Summary, error) {
	start := time.Now()

	rows, err := e.source.ListJobsWithResults(ctx, since)
	if err != nil {
		return Summary{}, fmt.Errorf("query jobs: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), JobsSheet); err != nil {
		return Summary{}, err
	}
	if _, err := f.NewSheet(ResultsSheet); err != nil {
		return Summary{}, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return Summary{}, err
	}
	for sheet, headers := range map[string][]string{JobsSheet: jobHeaders, ResultsSheet: resultHeaders} {
		if err := writeHeader(f, sheet, headers, bold); err != nil {
			return Summary{}, err
		}
	}

	var summary Summary
	for _, row := range rows {
		summary.Jobs++
		if err := writeRow(f, JobsSheet, summary.Jobs+1, jobRow(&row.Job)); err != nil {
			return Summary{}, err
		}
		if row.Result == nil {
			continue
		}
		summary.Results++
		if err := writeRow(f, ResultsSheet, summary.Results+1, resultRow(row.Result)); err != nil {
			return Summary{}, err
		}
	}

	_ = f.SetColWidth(JobsSheet, "A", "B", 38)
	_ = f.SetColWidth(JobsSheet, "D", "D", 48)
	_ = f.SetColWidth(JobsSheet, "G", "I", 22)
	_ = f.SetColWidth(ResultsSheet, "A", "A", 38)
	_ = f.SetColWidth(ResultsSheet, "B", "E", 22)
	_ = f.SetColWidth(ResultsSheet, "F", "J", 60)

	if _, err := f.WriteTo(w); err != nil {
		return Summary{}, fmt.Errorf("xlsx write: %w", err)
	}

	e.logger.Info("export written",
		zap.Int("jobs", summary.Jobs),
		zap.Int("results", summary.Results),
		zap.Time("since", since.UTC()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

func writeHeader(f *excelize.File, sheet string, headers []string, style int) error {
	if err := writeRow(f, sheet, 1, toAny(headers)); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(headers), 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, "A1", last, style)
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func jobRow(j *db.Job) []any {
	duration := ""
	if j.DurationSeconds != nil {
		duration = fmt.Sprintf("%.2f", *j.DurationSeconds)
	}
	userID := ""
	if j.UserID != nil {
		userID = j.UserID.String()
	}
	return []any{
		j.ID.String(),
		userID,
		string(j.Status),
		j.Query,
		deref(j.OriginalFilename),
		deref(j.TaskRef),
		timestamp(&j.CreatedAt),
		timestamp(j.StartedAt),
		timestamp(j.CompletedAt),
		duration,
		j.RetryCount,
		deref(j.ErrorMessage),
	}
}

func resultRow(r *db.Result) []any {
	return []any{
		r.JobID.String(),
		deref(r.EntityName),
		deref(r.DocumentType),
		deref(r.ReportingPeriod),
		timestamp(&r.CreatedAt),
		cellText(r.VerificationOutput),
		cellText(r.AnalysisOutput),
		cellText(r.InvestmentOutput),
		cellText(r.RiskOutput),
		cellText(r.MarketOutput),
	}
}

func timestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cellText(s *string) string {
	return observability.Truncate(deref(s), maxCellChars)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
