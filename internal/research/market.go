package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jonathan/financial-analyzer/internal/llm"
)

// MarketQueries builds the company, sector and macro searches for an entity.
// An unknown entity yields only the macro search.
func MarketQueries(entity, documentType string) []string {
	entity = strings.TrimSpace(entity)
	macro := "macroeconomic outlook interest rates inflation currency markets"
	if entity == "" {
		return []string{macro}
	}

	queries := []string{
		fmt.Sprintf("%s latest news earnings", entity),
		fmt.Sprintf("%s industry sector trends analyst outlook", entity),
	}
	if documentType != "" {
		queries = append(queries, fmt.Sprintf("%s %s market reaction", entity, documentType))
	}
	return append(queries, macro)
}

// Gather runs each query and merges the hits, dropping repeated links. Search
// is best effort: a failing query is logged and skipped.
func Gather(ctx context.Context, s Searcher, queries []string, perQuery int, logger *zap.Logger) []Result {
	seen := make(map[string]bool)
	var out []Result
	for _, q := range queries {
		results, err := s.Search(ctx, q, perQuery)
		if err != nil {
			logger.Warn("market search failed",
				zap.String("query", q),
				zap.Bool("rate_limited", llm.IsRateLimit(err)),
				zap.Error(err),
			)
			continue
		}
		for _, r := range results {
			if r.Link == "" || seen[r.Link] {
				continue
			}
			seen[r.Link] = true
			out = append(out, r)
		}
	}
	return out
}

// Format renders results as a numbered context block.
func Format(results []Result) string {
	if len(results) == 0 {
		return "(No search results available.)"
	}
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%d] %s\n    Source: %s\n    URL: %s", i+1, r.Title, r.Source, r.Link)
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "\n    %s", r.Snippet)
		}
	}
	return sb.String()
}
