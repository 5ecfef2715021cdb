// Package websearch is the web-search retrieval provider used by the
// fallback chain's final "web" step (§4.6 step 5). It fetches and
// sanitizes result pages the way the teacher's profile showcase
// sanitizes rendered HTML: goquery to strip script/style noise and pull
// plain text, bluemonday to guarantee nothing unsafe survives into a
// RetrievedChunk that eventually reaches a client.
package websearch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/corpusqa/corpusqa/internal/state"
)

// SearchClient is the external search-engine collaborator (§6 "Web
// search: search(query) -> results[]"). A concrete implementation talks
// to whatever provider is configured; this package only defines the
// contract and the page-fetching/sanitizing half of the pipeline.
type SearchClient interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// SearchResult is one hit from the search provider, before the page
// body has been fetched.
type SearchResult struct {
	URL   string
	Title string
}

// Provider turns search results into RetrievedChunks by fetching and
// sanitizing each page.
type Provider struct {
	Client     SearchClient
	HTTPClient *http.Client
	sanitizer  *bluemonday.Policy
	MaxResults int
}

// NewProvider builds a Provider; MaxResults defaults to 5 if unset.
func NewProvider(client SearchClient, maxResults int) *Provider {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Provider{
		Client:     client,
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
		sanitizer:  bluemonday.StrictPolicy(),
		MaxResults: maxResults,
	}
}

// Search implements the §6 Graph-store-sibling "web" strategy: look up
// results, fetch each page, strip it to sanitized plain text.
func (p *Provider) Search(ctx context.Context, query string) ([]state.RetrievedChunk, error) {
	results, err := p.Client.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("websearch: search: %w", err)
	}

	n := p.MaxResults
	if n > len(results) {
		n = len(results)
	}

	chunks := make([]state.RetrievedChunk, 0, n)
	for _, r := range results[:n] {
		text, err := p.fetchText(ctx, r.URL)
		if err != nil {
			// One failing page must not abort the whole web search —
			// it is itself the fallback of last resort.
			continue
		}
		chunks = append(chunks, state.RetrievedChunk{
			UID:       r.URL,
			SourceTag: state.SourceWeb,
			Title:     r.Title,
			Text:      text,
			Metadata:  map[string]string{"url": r.URL},
		})
	}
	return chunks, nil
}

// fetchText downloads url and reduces it to sanitized visible body text.
func (p *Provider) fetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("websearch: fetch %s: status %d", url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", err
	}
	doc.Find("script, style, nav, footer").Remove()

	text := strings.TrimSpace(doc.Find("body").Text())
	text = collapseWhitespace(text)
	return p.sanitizer.Sanitize(text), nil
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
