// Package parsing reads structured fields out of stage output text.
package parsing

import (
	"bufio"
	"strings"
	"unicode/utf8"
)

// MaxFieldLength bounds every metadata string.
const MaxFieldLength = 255

// Metadata is what the verification stage reports about a document.
type Metadata struct {
	Verdict         *string `json:"verdict"`
	EntityName      *string `json:"entity_name"`
	DocumentType    *string `json:"document_type"`
	ReportingPeriod *string `json:"reporting_period"`
}

// IsFinancial reports whether the verdict confirms a financial document.
// A missing verdict is treated as confirmed.
func (m Metadata) IsFinancial() bool {
	if m.Verdict == nil {
		return true
	}
	return !strings.Contains(strings.ToLower(*m.Verdict), "not a financial")
}

// ExtractMetadata reads the "- Label: value" lines of a verification report.
// Labels match case-insensitively and may carry markdown emphasis. Placeholder
// values such as "unknown" or "[...]" are treated as absent.
func ExtractMetadata(verification string) Metadata {
	var m Metadata
	scanner := bufio.NewScanner(strings.NewReader(verification))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		label, value, ok := splitField(scanner.Text())
		if !ok {
			continue
		}
		var dst **string
		switch label {
		case "verdict":
			dst = &m.Verdict
		case "entity", "entity name", "company":
			dst = &m.EntityName
		case "document type":
			dst = &m.DocumentType
		case "reporting period", "period":
			dst = &m.ReportingPeriod
		default:
			continue
		}
		if *dst == nil {
			*dst = cleanValue(value)
		}
	}
	return m
}

// splitField parses "- Label: value" (also "* Label:" and "**Label:**").
func splitField(line string) (label, value string, ok bool) {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "-*• ")
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	label = strings.ToLower(strings.Trim(line[:idx], "*_ "))
	value = strings.Trim(line[idx+1:], "*_ ")
	return label, value, true
}

func cleanValue(v string) *string {
	v = strings.TrimSpace(strings.Trim(v, "[]"))
	switch strings.ToLower(v) {
	case "", "unknown", "n/a", "none", "not stated", "not specified":
		return nil
	}
	if utf8.RuneCountInString(v) > MaxFieldLength {
		runes := []rune(v)
		v = string(runes[:MaxFieldLength])
	}
	return &v
}
