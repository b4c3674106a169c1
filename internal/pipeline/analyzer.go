// Package pipeline runs the five-stage analysis of an uploaded report and
// drives a job through its lifecycle around that run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/ingestion"
	"github.com/jonathan/financial-analyzer/internal/llm"
	"github.com/jonathan/financial-analyzer/internal/parsing"
	"github.com/jonathan/financial-analyzer/internal/pipeline/steps"
	"github.com/jonathan/financial-analyzer/internal/prompts"
	"github.com/jonathan/financial-analyzer/internal/research"
	"github.com/jonathan/financial-analyzer/internal/schemas"
)

// ErrNotFinancial stops a run whose document the verifier rejected.
var ErrNotFinancial = errors.New("document is not a financial report")

// ErrEmptyStageOutput is returned when a stage produces no text.
var ErrEmptyStageOutput = errors.New("stage produced no output")

const noSearchContext = "(Web search is not configured. No external market context is available.)"

// ProgressEvent represents a progress update during a run
type ProgressEvent struct {
	Step     string `json:"step"`
	Category string `json:"category"`
	Message  string `json:"message"`
	Content  any    `json:"content,omitempty"`
}

// ProgressCallback is called when pipeline progress occurs
type ProgressCallback func(event ProgressEvent)

// DocumentReader extracts the text of a stored upload.
type DocumentReader interface {
	Extract(ctx context.Context, path string) (*ingestion.Document, error)
}

// StageError is a failure inside one stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Output holds the text of every stage and what was learned about the
// document.
type Output struct {
	Pages        int
	Verification string
	Analysis     string
	Investment   string
	Risk         string
	Market       string
	Full         string
	Metadata     parsing.Metadata
}

// Analyzer runs the stages in steps.Order against one document.
type Analyzer struct {
	reader        DocumentReader
	client        llm.Client
	searcher      research.Searcher
	searchResults int
	logger        *zap.Logger
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithSearcher enables web search for the market stage.
func WithSearcher(s research.Searcher, perQuery int) AnalyzerOption {
	return func(a *Analyzer) {
		a.searcher = s
		if perQuery > 0 {
			a.searchResults = perQuery
		}
	}
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(reader DocumentReader, client llm.Client, logger *zap.Logger, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		reader:        reader,
		client:        client,
		searchResults: 5,
		logger:        logger.Named("analyzer"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// emitProgress calls the progress callback if configured
func emitProgress(cb ProgressCallback, step, category, message string, content any) {
	if cb != nil {
		cb(ProgressEvent{
			Step:     step,
			Category: category,
			Message:  message,
			Content:  content,
		})
	}
}

// Run reads the document at filePath and runs every stage in order. Each
// stage sees the outputs of the stages before it.
func (a *Analyzer) Run(ctx context.Context, query, filePath string, onProgress ProgressCallback) (*Output, error) {
	doc, err := a.reader.Extract(ctx, filePath)
	if err != nil {
		return nil, err
	}
	emitProgress(onProgress, "read", "ingestion", fmt.Sprintf("Read %d pages", doc.Pages), nil)

	data := map[string]string{
		"Query":    query,
		"Document": doc.Text,
	}
	out := &Output{Pages: doc.Pages}
	completed := make(map[string]bool, len(steps.Order))

	for _, name := range steps.Order {
		def, err := steps.Get(name)
		if err != nil {
			return nil, err
		}
		if err := steps.ValidateDependencies(name, completed); err != nil {
			return nil, err
		}

		switch name {
		case steps.StepAdvise:
			data["Metrics"] = ingestion.FormatMetrics(ingestion.ExtractMetrics(doc.Text))
		case steps.StepAssessRisk:
			data["RiskSignals"] = ingestion.FormatRiskSignals(ingestion.DetectRiskSignals(doc.Text))
		case steps.StepMarketContext:
			data["Entity"] = valueOr(out.Metadata.EntityName, "unknown")
			data["SearchResults"] = a.marketContext(ctx, out.Metadata)
		}

		emitProgress(onProgress, name, def.Category, fmt.Sprintf("Running %s", strings.ToLower(def.Title)), nil)
		start := time.Now()

		text, err := a.runStage(ctx, def, data)
		if err != nil {
			return nil, &StageError{Stage: name, Err: err}
		}
		completed[name] = true

		a.logger.Debug("stage completed",
			zap.String("stage", name),
			zap.Duration("duration", time.Since(start)),
			zap.Int("chars", len(text)),
		)

		switch name {
		case steps.StepVerify:
			out.Verification = text
			data["Verification"] = text
			out.Metadata = a.metadata(text)
			if !out.Metadata.IsFinancial() {
				return nil, ErrNotFinancial
			}
		case steps.StepAnalyze:
			out.Analysis = text
			data["Analysis"] = text
		case steps.StepAdvise:
			out.Investment = text
			data["Investment"] = text
		case steps.StepAssessRisk:
			out.Risk = text
			data["Risk"] = text
		case steps.StepMarketContext:
			out.Market = text
		}

		emitProgress(onProgress, name, def.Category, fmt.Sprintf("%s complete", def.Title), nil)
	}

	out.Full = combine(out)
	return out, nil
}

func (a *Analyzer) runStage(ctx context.Context, def steps.StepDefinition, data map[string]string) (string, error) {
	prompt, err := prompts.Render(prompts.AnalysisFile, def.PromptKey, data)
	if err != nil {
		return "", err
	}
	text, err := a.client.GenerateContent(ctx, prompt, def.Tier)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyStageOutput
	}
	return text, nil
}

// metadata parses the verification report. Metadata that fails the schema is
// dropped rather than failing the run.
func (a *Analyzer) metadata(verification string) parsing.Metadata {
	m := parsing.ExtractMetadata(verification)
	if err := schemas.Validate(schemas.MetadataSchema, m); err != nil {
		a.logger.Warn("discarding invalid document metadata", zap.Error(err))
		return parsing.Metadata{}
	}
	return m
}

func (a *Analyzer) marketContext(ctx context.Context, m parsing.Metadata) string {
	if a.searcher == nil {
		return noSearchContext
	}
	queries := research.MarketQueries(valueOr(m.EntityName, ""), valueOr(m.DocumentType, ""))
	return research.Format(research.Gather(ctx, a.searcher, queries, a.searchResults, a.logger))
}

// combine joins the stage outputs under their titles.
func combine(out *Output) string {
	sections := map[string]string{
		steps.StepVerify:        out.Verification,
		steps.StepAnalyze:       out.Analysis,
		steps.StepAdvise:        out.Investment,
		steps.StepAssessRisk:    out.Risk,
		steps.StepMarketContext: out.Market,
	}

	var sb strings.Builder
	for i, name := range steps.Order {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n\n%s", steps.StepRegistry[name].Title, sections[name])
	}
	return sb.String()
}

func valueOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
