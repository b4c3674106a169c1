package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/ingestion"
	"github.com/jonathan/financial-analyzer/internal/llm"
	"github.com/jonathan/financial-analyzer/internal/pipeline/steps"
	"github.com/jonathan/financial-analyzer/internal/research"
)

const sampleVerification = `- VERDICT: Confirmed Financial Document
- Entity: Example Corp
- Document Type: Quarterly Earnings Release
- Reporting Period: Q2 2025
- Sections Identified: income statement, balance sheet
- Data Quality Notes: None identified`

const sampleDocument = `Example Corp Q2 2025 results.
Total revenue was $22,496 million, down 12% year over year.
Net debt rose and the revolving credit facility was drawn.`

// stageMarkers identify which stage a prompt belongs to.
var stageMarkers = map[string]string{
	steps.StepVerify:        "financial document verifier",
	steps.StepAnalyze:       "senior financial analyst",
	steps.StepAdvise:        "investment advisor",
	steps.StepAssessRisk:    "risk assessment specialist",
	steps.StepMarketContext: "market intelligence analyst",
}

type stageLLM struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	prompts   map[string]string
	calls     []string
}

func newStageLLM() *stageLLM {
	return &stageLLM{
		responses: map[string]string{
			steps.StepVerify:        sampleVerification,
			steps.StepAnalyze:       "EXECUTIVE SUMMARY: revenue fell 12%.",
			steps.StepAdvise:        "INVESTMENT CONTEXT: margins under pressure.",
			steps.StepAssessRisk:    "RISK SUMMARY: leverage is rising.",
			steps.StepMarketContext: "COMPANY NEWS SUMMARY: nothing material.",
		},
		errs:    map[string]error{},
		prompts: map[string]string{},
	}
}

func (f *stageLLM) GenerateContent(_ context.Context, prompt string, _ llm.ModelTier) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for stage, marker := range stageMarkers {
		if strings.Contains(prompt, marker) {
			f.calls = append(f.calls, stage)
			f.prompts[stage] = prompt
			if err := f.errs[stage]; err != nil {
				return "", err
			}
			return f.responses[stage], nil
		}
	}
	return "", errors.New("unexpected prompt")
}

func (f *stageLLM) GenerateFromDocument(context.Context, string, []byte, string, llm.ModelTier) (string, error) {
	return "", errors.New("not used")
}

func (f *stageLLM) GetModel(llm.ModelTier) string { return "fake" }
func (f *stageLLM) Close() error                  { return nil }

type fakeReader struct {
	doc *ingestion.Document
	err error
}

func (f *fakeReader) Extract(_ context.Context, path string) (*ingestion.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	doc := *f.doc
	doc.Path = path
	return &doc, nil
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, n int) ([]research.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return []research.Result{{
		Title:  "Example Corp beats estimates",
		Link:   "https://news.example.com/example-corp",
		Source: "news.example.com",
	}}, nil
}

func newTestAnalyzer(client llm.Client, opts ...AnalyzerOption) *Analyzer {
	reader := &fakeReader{doc: &ingestion.Document{Pages: 3, Text: sampleDocument}}
	return NewAnalyzer(reader, client, zap.NewNop(), opts...)
}

func TestAnalyzer_Run(t *testing.T) {
	client := newStageLLM()
	a := newTestAnalyzer(client)

	var events []ProgressEvent
	out, err := a.Run(context.Background(), "How did revenue develop?", "data/upload_1.pdf", func(ev ProgressEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	assert.Equal(t, steps.Order, client.calls, "stages run once each, in order")
	assert.Equal(t, 3, out.Pages)
	assert.Equal(t, sampleVerification, out.Verification)
	assert.Equal(t, "RISK SUMMARY: leverage is rising.", out.Risk)

	require.NotNil(t, out.Metadata.EntityName)
	assert.Equal(t, "Example Corp", *out.Metadata.EntityName)
	require.NotNil(t, out.Metadata.ReportingPeriod)
	assert.Equal(t, "Q2 2025", *out.Metadata.ReportingPeriod)

	for _, name := range steps.Order {
		assert.Contains(t, out.Full, "## "+steps.StepRegistry[name].Title)
	}
	assert.True(t, strings.HasPrefix(out.Full, "## Document Verification"))

	require.NotEmpty(t, events)
	assert.Equal(t, "read", events[0].Step)
	assert.Equal(t, steps.StepMarketContext, events[len(events)-1].Step)
}

func TestAnalyzer_Run_StageContext(t *testing.T) {
	client := newStageLLM()
	a := newTestAnalyzer(client)

	_, err := a.Run(context.Background(), "How did revenue develop?", "data/upload_1.pdf", nil)
	require.NoError(t, err)

	analyze := client.prompts[steps.StepAnalyze]
	assert.Contains(t, analyze, "How did revenue develop?")
	assert.Contains(t, analyze, sampleVerification)
	assert.Contains(t, analyze, sampleDocument)

	advise := client.prompts[steps.StepAdvise]
	assert.Contains(t, advise, "=== EXTRACTED KEY METRICS ===")
	assert.Contains(t, advise, "EXECUTIVE SUMMARY: revenue fell 12%.")

	risk := client.prompts[steps.StepAssessRisk]
	assert.Contains(t, risk, "=== RISK SIGNALS DETECTED")

	market := client.prompts[steps.StepMarketContext]
	assert.Contains(t, market, "ENTITY: Example Corp")
	assert.Contains(t, market, noSearchContext)

	for stage, prompt := range client.prompts {
		assert.NotContains(t, prompt, "{{.", "unfilled placeholder in %s", stage)
	}

	// Every stage after verification sees the output of all earlier stages.
	for i, stage := range steps.Order {
		for _, earlier := range steps.Order[:i] {
			assert.Contains(t, client.prompts[stage], client.responses[earlier],
				"stage %s is missing the output of %s", stage, earlier)
		}
	}
}

func TestAnalyzer_Run_WithSearcher(t *testing.T) {
	client := newStageLLM()
	searcher := &fakeSearcher{}
	a := newTestAnalyzer(client, WithSearcher(searcher, 3))

	_, err := a.Run(context.Background(), "q", "data/upload_1.pdf", nil)
	require.NoError(t, err)

	require.NotEmpty(t, searcher.queries)
	assert.Contains(t, searcher.queries[0], "Example Corp")
	market := client.prompts[steps.StepMarketContext]
	assert.Contains(t, market, "Example Corp beats estimates")
	assert.NotContains(t, market, noSearchContext)
}

func TestAnalyzer_Run_NotFinancial(t *testing.T) {
	client := newStageLLM()
	client.responses[steps.StepVerify] = "- VERDICT: Not a Financial Document\n- Entity: unknown"
	a := newTestAnalyzer(client)

	out, err := a.Run(context.Background(), "q", "data/upload_1.pdf", nil)
	require.ErrorIs(t, err, ErrNotFinancial)
	assert.Nil(t, out)
	assert.Equal(t, []string{steps.StepVerify}, client.calls)
}

func TestAnalyzer_Run_StageRateLimited(t *testing.T) {
	client := newStageLLM()
	client.errs[steps.StepAnalyze] = &llm.RateLimitError{Err: errors.New("429 Too Many Requests")}
	a := newTestAnalyzer(client)

	_, err := a.Run(context.Background(), "q", "data/upload_1.pdf", nil)
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, steps.StepAnalyze, stageErr.Stage)
	assert.True(t, llm.IsRateLimit(err))
	assert.Equal(t, []string{steps.StepVerify, steps.StepAnalyze}, client.calls)
}

func TestAnalyzer_Run_EmptyStageOutput(t *testing.T) {
	client := newStageLLM()
	client.responses[steps.StepAdvise] = "   \n"
	a := newTestAnalyzer(client)

	_, err := a.Run(context.Background(), "q", "data/upload_1.pdf", nil)
	require.ErrorIs(t, err, ErrEmptyStageOutput)
	assert.Contains(t, err.Error(), steps.StepAdvise)
}

func TestAnalyzer_Run_ReaderError(t *testing.T) {
	client := newStageLLM()
	reader := &fakeReader{err: ingestion.ErrDocumentMissing}
	a := NewAnalyzer(reader, client, zap.NewNop())

	_, err := a.Run(context.Background(), "q", "data/missing.pdf", nil)
	require.ErrorIs(t, err, ingestion.ErrDocumentMissing)
	assert.Empty(t, client.calls)
}
