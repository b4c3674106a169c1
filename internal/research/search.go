// Package research gathers external market context for a reporting entity
// through Google Custom Search.
package research

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"

	"github.com/jonathan/financial-analyzer/internal/llm"
)

// maxResultsPerQuery is the Custom Search API ceiling for num.
const maxResultsPerQuery = 10

// Result is one search hit reduced to plain text.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Source  string `json:"source"`
	Snippet string `json:"snippet"`
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string, n int) ([]Result, error)
}

// GoogleSearcher queries a Programmable Search Engine.
type GoogleSearcher struct {
	svc          *customsearch.Service
	cx           string
	dateRestrict string
}

// NewGoogleSearcher creates a searcher restricted to the last three months.
func NewGoogleSearcher(ctx context.Context, apiKey, cx string) (*GoogleSearcher, error) {
	if apiKey == "" || cx == "" {
		return nil, fmt.Errorf("search API key and engine id are required")
	}
	svc, err := customsearch.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create customsearch service: %w", err)
	}
	return &GoogleSearcher{svc: svc, cx: cx, dateRestrict: "m3"}, nil
}

// Search returns up to n results for query.
func (g *GoogleSearcher) Search(ctx context.Context, query string, n int) ([]Result, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > maxResultsPerQuery {
		n = maxResultsPerQuery
	}

	call := g.svc.Cse.List().Cx(g.cx).Q(query).Num(int64(n)).Context(ctx)
	if g.dateRestrict != "" {
		call = call.DateRestrict(g.dateRestrict)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, llm.Classify(fmt.Errorf("search failed: %w", err))
	}

	results := make([]Result, 0, len(resp.Items))
	for _, item := range resp.Items {
		results = append(results, fromItem(item))
	}
	return results, nil
}

func fromItem(item *customsearch.Result) Result {
	snippet := item.Snippet
	if item.HtmlSnippet != "" {
		snippet = HTMLToText(item.HtmlSnippet)
	}
	source := item.DisplayLink
	if source == "" {
		source = domainOf(item.Link)
	}
	return Result{
		Title:   HTMLToText(item.Title),
		Link:    item.Link,
		Source:  source,
		Snippet: strings.TrimSpace(snippet),
	}
}

// HTMLToText strips markup and collapses whitespace.
func HTMLToText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func domainOf(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
