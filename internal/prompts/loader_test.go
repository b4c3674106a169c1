package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_ValidPrompt(t *testing.T) {
	ClearCache()

	prompt, err := Get(AnalysisFile, "verify-document")
	require.NoError(t, err)
	assert.Contains(t, prompt, "VERDICT")
	assert.Contains(t, prompt, "{{.Document}}")
}

func TestGet_InvalidFile(t *testing.T) {
	ClearCache()

	_, err := Get("nonexistent.json", "some-key")
	assert.ErrorContains(t, err, "failed to read prompt file")
}

func TestGet_InvalidKey(t *testing.T) {
	ClearCache()

	_, err := Get(AnalysisFile, "nonexistent-key")
	assert.ErrorContains(t, err, "not found")
}

func TestMustGet_Panics(t *testing.T) {
	ClearCache()

	assert.Panics(t, func() {
		MustGet("nonexistent.json", "some-key")
	})
}

func TestFormat(t *testing.T) {
	result := Format("Answer {{.Query}} for {{.Entity}}, again {{.Query}}", map[string]string{
		"Query":  "margins",
		"Entity": "Tesla",
	})
	assert.Equal(t, "Answer margins for Tesla, again margins", result)
}

func TestFormat_UnknownPlaceholderRemains(t *testing.T) {
	assert.Equal(t, "Hello {{.Name}}", Format("Hello {{.Name}}", map[string]string{}))
}

func TestFormat_ValueIsNotReexpanded(t *testing.T) {
	result := Format("{{.A}}", map[string]string{"A": "{{.B}}", "B": "x"})
	assert.Equal(t, "{{.B}}", result)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"Document", "Query"}, Placeholders("{{.Query}} {{.Document}} {{.Query}}"))
	assert.Empty(t, Placeholders("plain"))
}

func TestRender_MissingValue(t *testing.T) {
	ClearCache()

	_, err := Render(AnalysisFile, "analyze-financials", map[string]string{"Query": "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Document")
	assert.Contains(t, err.Error(), "Verification")
}

func TestAnalysisPrompts_AllStagesPresent(t *testing.T) {
	ClearCache()

	keys, err := List(AnalysisFile)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"analyze-financials",
		"assess-risk",
		"investment-insights",
		"market-context",
		"transcribe-document",
		"verify-document",
	}, keys)
}

func TestCaching(t *testing.T) {
	ClearCache()

	prompt1, err := Get(AnalysisFile, "assess-risk")
	require.NoError(t, err)
	prompt2, err := Get(AnalysisFile, "assess-risk")
	require.NoError(t, err)

	assert.Equal(t, prompt1, prompt2)
}
