package ingestion

import (
	"regexp"
	"strings"
)

var (
	multiSpaceRe  = regexp.MustCompile(`[ \t\f\v]+`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
	bulletMarkers = []string{"- ", "* ", "• ", "· "}
)

// CleanText normalizes transcribed document text. Line endings become LF,
// runs of spaces collapse inside a line, headings and bullets keep their
// markers and at most one blank line separates blocks.
func CleanText(content string) string {
	if content == "" {
		return ""
	}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = cleanLine(line)
	}

	result := blankLinesRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(result)
}

func cleanLine(line string) string {
	line = strings.TrimRight(line, " \t")
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" {
		return ""
	}

	// Markdown headings lose their indentation.
	if strings.HasPrefix(trimmed, "#") {
		return multiSpaceRe.ReplaceAllString(trimmed, " ")
	}

	indent := line[:len(line)-len(trimmed)]
	indent = strings.ReplaceAll(indent, "\t", "  ")
	if marker := bulletMarker(trimmed); marker != "" {
		rest := strings.TrimSpace(trimmed[len(marker):])
		return indent + marker + multiSpaceRe.ReplaceAllString(rest, " ")
	}
	return indent + multiSpaceRe.ReplaceAllString(trimmed, " ")
}

// bulletMarker returns the list marker a trimmed line starts with, or "".
func bulletMarker(trimmed string) string {
	for _, m := range bulletMarkers {
		if strings.HasPrefix(trimmed, m) {
			return m
		}
	}
	return ""
}
