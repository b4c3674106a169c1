package ingestion

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxMetrics            = 30
	maxSignalsPerCategory = 5
)

var (
	currencyMetricRe = regexp.MustCompile(`(?i)(?:revenue|sales|income|profit|loss|ebitda|cash|earnings|eps|margin)` +
		`[^\n]{0,60}` +
		`(?:\$|€|£|USD|EUR|GBP)?\s*[\d,]+(?:\.\d+)?\s*(?:billion|million|thousand|bn|mn|k)?`)
	percentMetricRe = regexp.MustCompile(`(?i)(?:growth|margin|change|increase|decrease|yoy|qoq|return|rate)` +
		`[^\n]{0,40}[\d,]+(?:\.\d+)?\s*%`)
)

// ExtractMetrics returns up to 30 distinct labelled currency and percentage
// figures, currency matches first.
func ExtractMetrics(text string) []string {
	seen := make(map[string]bool)
	var metrics []string
	for _, re := range []*regexp.Regexp{currencyMetricRe, percentMetricRe} {
		for _, m := range re.FindAllString(text, -1) {
			m = strings.TrimSpace(m)
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			metrics = append(metrics, m)
			if len(metrics) == maxMetrics {
				return metrics
			}
		}
	}
	return metrics
}

// RiskCategory groups the lines that matched one risk pattern.
type RiskCategory struct {
	Name    string
	Signals []string
}

type riskPattern struct {
	name string
	re   *regexp.Regexp
}

func riskRe(keywords string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)[^\n]{0,80}\b(?:` + keywords + `)\b[^\n]{0,100}`)
}

var riskPatterns = []riskPattern{
	{"Leverage / Debt", riskRe(`debt[- ]to[- ]equity|leverage ratio|long[- ]term debt|net debt|gearing`)},
	{"Liquidity", riskRe(`current ratio|quick ratio|liquidity|cash and cash equivalents|working capital`)},
	{"Revenue Concentration", riskRe(`customer concentration|single customer|top \d+ customers?|revenue concentration`)},
	{"Regulatory / Legal", riskRe(`lawsuits?|litigation|regulatory|investigations?|penalty|penalties|fines?|sec|ftc|doj|compliance risk`)},
	{"Going Concern", riskRe(`going concern|substantial doubt|ability to continue|material uncertainty`)},
	{"Covenants / Defaults", riskRe(`covenants?|defaults?|waivers?|breach|cross[- ]default|acceleration`)},
	{"Operational", riskRe(`supply chain|disruptions?|key personnel|key employees?|single[- ]source|manufacturing risk`)},
	{"Market / FX", riskRe(`foreign exchange|currency risk|fx|interest rate risk|commodity prices?|inflation risk`)},
}

// DetectRiskSignals scans text for the eight risk categories and returns the
// categories with at least one hit, in a fixed order, each capped at five
// distinct lines.
func DetectRiskSignals(text string) []RiskCategory {
	var out []RiskCategory
	for _, p := range riskPatterns {
		seen := make(map[string]bool)
		var signals []string
		for _, m := range p.re.FindAllString(text, -1) {
			m = strings.TrimSpace(m)
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			signals = append(signals, m)
			if len(signals) == maxSignalsPerCategory {
				break
			}
		}
		if len(signals) > 0 {
			out = append(out, RiskCategory{Name: p.name, Signals: signals})
		}
	}
	return out
}

// FormatMetrics renders metrics as the context block for the advice stage.
func FormatMetrics(metrics []string) string {
	var sb strings.Builder
	sb.WriteString("=== EXTRACTED KEY METRICS ===\n")
	if len(metrics) == 0 {
		sb.WriteString("  (No metrics auto-extracted; parse the full text.)")
		return sb.String()
	}
	for i, m := range metrics {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  • ")
		sb.WriteString(m)
	}
	return sb.String()
}

// FormatRiskSignals renders categories as the context block for the risk stage.
func FormatRiskSignals(categories []RiskCategory) string {
	total := 0
	for _, c := range categories {
		total += len(c.Signals)
	}
	if total == 0 {
		return "=== RISK SIGNALS DETECTED ===\n  (No standard risk keywords detected; assess the full text.)"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "=== RISK SIGNALS DETECTED (%d total) ===", total)
	for _, c := range categories {
		fmt.Fprintf(&sb, "\n\n  [%s]", c.Name)
		for _, s := range c.Signals {
			sb.WriteString("\n    ↳ ")
			sb.WriteString(s)
		}
	}
	return sb.String()
}
