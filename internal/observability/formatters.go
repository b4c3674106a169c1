package observability

import (
	"fmt"
	"io"
	"strings"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxSectionLines is the number of lines shown per section in verbose mode
	maxSectionLines = 12
)

// Printer handles formatted output for the CLI
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		line = Truncate(line, boxWidth-4)
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintMetadata outputs the document metadata extracted during verification.
func (p *Printer) PrintMetadata(entity, documentType, period string) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Entity:   %s\n", orUnknown(entity)))
	sb.WriteString(fmt.Sprintf("Type:     %s\n", orUnknown(documentType)))
	sb.WriteString(fmt.Sprintf("Period:   %s", orUnknown(period)))
	p.printBox("DOCUMENT METADATA", sb.String())
}

// PrintSection outputs the first lines of one stage's output.
func (p *Printer) PrintSection(title, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}

	lines := strings.Split(body, "\n")
	if len(lines) > maxSectionLines {
		remaining := len(lines) - maxSectionLines
		lines = append(lines[:maxSectionLines], fmt.Sprintf("... and %d more lines", remaining))
	}
	p.printBox(strings.ToUpper(title), strings.Join(lines, "\n"))
}

// PrintExportSummary outputs the result of a spreadsheet export.
func (p *Printer) PrintExportSummary(path string, jobs, results int) {
	content := fmt.Sprintf("File:     %s\nJobs:     %d\nResults:  %d", path, jobs, results)
	p.printBox("EXPORT COMPLETE", content)
}

// FormatDuration renders an optional duration in seconds for humans.
func FormatDuration(seconds *float64) string {
	if seconds == nil {
		return "-"
	}
	s := *seconds
	if s < 60 {
		return fmt.Sprintf("%.1fs", s)
	}
	minutes := int(s) / 60
	return fmt.Sprintf("%dm%02ds", minutes, int(s)%60)
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(unknown)"
	}
	return s
}
