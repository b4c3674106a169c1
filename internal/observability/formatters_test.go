package observability

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrintMetadata(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintMetadata("Tesla, Inc.", "Quarterly Earnings Release", "")
	output := buf.String()

	assert.Contains(t, output, "DOCUMENT METADATA")
	assert.Contains(t, output, "Tesla, Inc.")
	assert.Contains(t, output, "Quarterly Earnings Release")
	assert.Contains(t, output, "(unknown)")
}

func TestPrintSection_TruncatesLongOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	lines := make([]string, 20)
	for i := range lines {
		lines[i] = "line"
	}
	p.PrintSection("analysis", strings.Join(lines, "\n"))
	output := buf.String()

	assert.Contains(t, output, "ANALYSIS")
	assert.Contains(t, output, "... and 8 more lines")
}

func TestPrintSection_Empty(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintSection("risk", "   ")

	assert.Empty(t, buf.String())
}

func TestPrintExportSummary(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintExportSummary("jobs.xlsx", 12, 9)
	output := buf.String()

	assert.Contains(t, output, "EXPORT COMPLETE")
	assert.Contains(t, output, "jobs.xlsx")
	assert.Contains(t, output, "12")
}

func TestFormatDuration(t *testing.T) {
	short := 12.34
	long := 125.0

	assert.Equal(t, "-", FormatDuration(nil))
	assert.Equal(t, "12.3s", FormatDuration(&short))
	assert.Equal(t, "2m05s", FormatDuration(&long))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}
